package strategy

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ayush20180/openalgo-options/internal/broker"
	"github.com/ayush20180/openalgo-options/internal/util"
)

// Candidate is one replacement strike under consideration.
type Candidate struct {
	Symbol  string
	Strike  int
	Premium float64
}

// Selector finds the replacement strike for an adjusted leg. Candidate
// enumeration is pure; the only I/O is the batched quote fan-out.
type Selector struct {
	broker       broker.Broker
	logger       *log.Logger
	quoteTimeout time.Duration
}

func NewSelector(b broker.Broker, quoteTimeout time.Duration, logger *log.Logger) *Selector {
	return &Selector{broker: b, logger: logger, quoteTimeout: quoteTimeout}
}

// SearchParams describes one replacement search.
type SearchParams struct {
	Index         string
	Exchange      string
	Expiry        string // compact form, e.g. 28AUG25
	OptionType    string // CE | PE
	Spot          float64
	Interval      int
	Radius        int
	ExcludeStrike int
	TargetPremium float64
}

// Candidates enumerates replacement symbols in ascending strike order
// around the at-the-money strike, excluding the just-closed strike.
func Candidates(p SearchParams) []Candidate {
	atm := util.ATMStrike(p.Spot, p.Interval)
	strikes := util.CandidateStrikes(atm, p.Interval, p.Radius, p.ExcludeStrike)
	out := make([]Candidate, 0, len(strikes))
	for _, strike := range strikes {
		out = append(out, Candidate{
			Symbol: util.FormatOptionSymbol(p.Index, p.Expiry, strike, p.OptionType),
			Strike: strike,
		})
	}
	return out
}

// Find fetches premiums for every candidate concurrently and returns the
// one closest to the target. Ties go to the lower strike, which is the
// first candidate encountered in ascending order. Returns false when no
// candidate has an obtainable quote.
func (s *Selector) Find(ctx context.Context, p SearchParams) (Candidate, bool) {
	candidates := Candidates(p)
	premiums := s.fetchPremiums(ctx, p.Exchange, candidates)

	best := Candidate{}
	found := false
	bestDiff := 0.0
	for _, c := range candidates {
		premium, ok := premiums[c.Symbol]
		if !ok {
			continue
		}
		diff := premium - p.TargetPremium
		if diff < 0 {
			diff = -diff
		}
		if !found || diff < bestDiff {
			best = c
			best.Premium = premium
			bestDiff = diff
			found = true
		}
	}
	return best, found
}

// fetchPremiums fans out one quote call per candidate with a per-call
// timeout. Individual failures are logged and skipped.
func (s *Selector) fetchPremiums(ctx context.Context, exchange string, candidates []Candidate) map[string]float64 {
	var mu sync.Mutex
	premiums := make(map[string]float64, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range candidates {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, s.quoteTimeout)
			defer cancel()
			quote, err := s.broker.GetQuote(qctx, c.Symbol, exchange)
			if err != nil {
				s.logger.Printf("Candidate quote %s failed: %v", c.Symbol, err)
				return nil
			}
			mu.Lock()
			premiums[c.Symbol] = quote.LastPrice
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return premiums
}
