// Package models provides data structures and state management for strangle trades.
package models

import (
	"fmt"
	"time"
)

// LegRole identifies one side of the short strangle.
type LegRole string

const (
	// LegCallShort is the sold call side of the strangle.
	LegCallShort LegRole = "CALL_SHORT"
	// LegPutShort is the sold put side of the strangle.
	LegPutShort LegRole = "PUT_SHORT"
)

// Valid returns true if the LegRole is one of the defined constants.
func (r LegRole) Valid() bool {
	return r == LegCallShort || r == LegPutShort
}

// Opposite returns the other leg of the strangle.
func (r LegRole) Opposite() LegRole {
	if r == LegCallShort {
		return LegPutShort
	}
	return LegCallShort
}

// OptionType returns the CE/PE suffix used in trading symbols for this leg.
func (r LegRole) OptionType() string {
	if r == LegCallShort {
		return "CE"
	}
	return "PE"
}

// Leg is one open option position of the strangle.
type Leg struct {
	Symbol string `json:"symbol"`
	Strike int    `json:"strike"`
}

// PositionState is the durable record of one strategy's trade lifecycle.
// Exactly zero or two legs are valid at rest; one leg only mid-adjustment.
type PositionState struct {
	TradeID         string          `json:"trade_id,omitempty"`
	Legs            map[LegRole]Leg `json:"legs"`
	AdjustmentCount int             `json:"adjustment_count"`
	InProgress      bool            `json:"in_progress"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// NewPositionState returns an empty state with an allocated legs map.
func NewPositionState() *PositionState {
	return &PositionState{Legs: make(map[LegRole]Leg)}
}

// HasOpenTrade reports whether a trade lifecycle is active.
func (s *PositionState) HasOpenTrade() bool {
	return s.TradeID != ""
}

// Leg returns the leg for the given role, if present.
func (s *PositionState) Leg(role LegRole) (Leg, bool) {
	leg, ok := s.Legs[role]
	return leg, ok
}

// SetLeg records an open leg.
func (s *PositionState) SetLeg(role LegRole, leg Leg) {
	if s.Legs == nil {
		s.Legs = make(map[LegRole]Leg)
	}
	s.Legs[role] = leg
}

// RemoveLeg drops a leg from the map, e.g. after a square-off.
func (s *PositionState) RemoveLeg(role LegRole) {
	delete(s.Legs, role)
}

// Reset clears the state back to the idle zero value.
func (s *PositionState) Reset() {
	s.TradeID = ""
	s.Legs = make(map[LegRole]Leg)
	s.AdjustmentCount = 0
	s.InProgress = false
}

// Copy creates a deep copy of the state.
func (s *PositionState) Copy() *PositionState {
	if s == nil {
		return nil
	}
	cp := &PositionState{
		TradeID:         s.TradeID,
		AdjustmentCount: s.AdjustmentCount,
		InProgress:      s.InProgress,
		UpdatedAt:       s.UpdatedAt,
		Legs:            make(map[LegRole]Leg, len(s.Legs)),
	}
	for role, leg := range s.Legs {
		cp.Legs[role] = leg
	}
	return cp
}

// Inverted reports whether the legs form an inverted strangle, i.e. the call
// strike is below the put strike. States with fewer than two legs are never
// inverted.
func (s *PositionState) Inverted() bool {
	call, okCall := s.Legs[LegCallShort]
	put, okPut := s.Legs[LegPutShort]
	if !okCall || !okPut {
		return false
	}
	return call.Strike < put.Strike
}

// WouldInvert reports whether replacing the leg for role with newStrike would
// produce an inverted strangle against the remaining leg.
func (s *PositionState) WouldInvert(role LegRole, newStrike int) bool {
	remaining, ok := s.Legs[role.Opposite()]
	if !ok {
		return false
	}
	if role == LegCallShort {
		return newStrike < remaining.Strike
	}
	return remaining.Strike < newStrike
}

// Validate checks the at-rest invariants: an open trade has zero or two legs,
// legs match their roles, strikes are not inverted, and the in-progress flag
// is only ever set while a trade is open.
func (s *PositionState) Validate() error {
	if s.TradeID == "" {
		if len(s.Legs) != 0 {
			return fmt.Errorf("no trade id but %d legs recorded", len(s.Legs))
		}
		if s.InProgress {
			return fmt.Errorf("in-progress flag set without an open trade")
		}
		return nil
	}

	// One leg is legal only mid-adjustment, between closing the old
	// strike and opening its replacement.
	if n := len(s.Legs); n != 0 && n != 2 && !(n == 1 && s.InProgress) {
		return fmt.Errorf("trade %s has %d legs at rest, want 0 or 2", s.TradeID, n)
	}
	for role, leg := range s.Legs {
		if !role.Valid() {
			return fmt.Errorf("trade %s has unknown leg role %q", s.TradeID, role)
		}
		if leg.Symbol == "" || leg.Strike <= 0 {
			return fmt.Errorf("trade %s has malformed %s leg: %+v", s.TradeID, role, leg)
		}
	}
	if s.Inverted() {
		call := s.Legs[LegCallShort]
		put := s.Legs[LegPutShort]
		return fmt.Errorf("trade %s is inverted: call %d < put %d", s.TradeID, call.Strike, put.Strike)
	}
	if s.AdjustmentCount < 0 {
		return fmt.Errorf("trade %s has negative adjustment count %d", s.TradeID, s.AdjustmentCount)
	}
	return nil
}
