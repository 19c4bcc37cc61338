package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Option symbols follow the OpenAlgo NFO convention:
// <INDEX><DDMMMYY><STRIKE><CE|PE>, e.g. NIFTY28AUG2522500CE.
var symbolRx = regexp.MustCompile(`^([A-Z]+)(\d{2}[A-Z]{3}\d{2})(\d+)(CE|PE)$`)

// OptionSymbol holds the parsed parts of an option trading symbol.
type OptionSymbol struct {
	Underlying string
	Expiry     string // DDMMMYY, upper case
	Strike     int
	OptionType string // "CE" or "PE"
}

// FormatOptionSymbol builds a trading symbol from its parts.
func FormatOptionSymbol(underlying, expiry string, strike int, optionType string) string {
	return fmt.Sprintf("%s%s%d%s", underlying, expiry, strike, optionType)
}

// ParseOptionSymbol splits a trading symbol into its parts.
func ParseOptionSymbol(symbol string) (*OptionSymbol, error) {
	m := symbolRx.FindStringSubmatch(symbol)
	if m == nil {
		return nil, fmt.Errorf("unrecognized option symbol %q", symbol)
	}
	strike, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("parsing strike in %q: %w", symbol, err)
	}
	return &OptionSymbol{
		Underlying: m[1],
		Expiry:     m[2],
		Strike:     strike,
		OptionType: m[4],
	}, nil
}

// FormatExpiry converts an expiry date from the gateway's DD-MMM-YY form to
// the DDMMMYY form used inside trading symbols ("28-Aug-25" -> "28AUG25").
// The gateway is inconsistent about month casing, so normalize first.
func FormatExpiry(date string) (string, error) {
	parts := strings.Split(date, "-")
	if len(parts) == 3 && len(parts[1]) == 3 {
		parts[1] = strings.ToUpper(parts[1][:1]) + strings.ToLower(parts[1][1:])
		date = strings.Join(parts, "-")
	}
	t, err := time.Parse("02-Jan-06", date)
	if err != nil {
		return "", fmt.Errorf("parsing expiry date %q: %w", date, err)
	}
	return strings.ToUpper(t.Format("02Jan06")), nil
}
