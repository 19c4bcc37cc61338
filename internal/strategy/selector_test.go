package strategy

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush20180/openalgo-options/internal/broker"
)

func baseParams() SearchParams {
	return SearchParams{
		Index:         "NIFTY",
		Exchange:      "NFO",
		Expiry:        "28AUG25",
		OptionType:    "CE",
		Spot:          22512.5,
		Interval:      50,
		Radius:        2,
		ExcludeStrike: 22500,
		TargetPremium: 50,
	}
}

func newTestSelector(mock *broker.MockBroker) *Selector {
	return NewSelector(mock, 2*time.Second, log.New(os.Stderr, "selector_test: ", log.LstdFlags))
}

func TestCandidatesAscendingAndExcluding(t *testing.T) {
	cands := Candidates(baseParams())
	// ATM 22500 with radius 2 spans 22400..22600; 22500 is excluded.
	require.Len(t, cands, 4)
	strikes := []int{cands[0].Strike, cands[1].Strike, cands[2].Strike, cands[3].Strike}
	assert.Equal(t, []int{22400, 22450, 22550, 22600}, strikes)
	assert.Equal(t, "NIFTY28AUG2522400CE", cands[0].Symbol)
}

func TestFindPicksClosestPremium(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.SetQuote("NIFTY28AUG2522400CE", 90)
	mock.SetQuote("NIFTY28AUG2522450CE", 66)
	mock.SetQuote("NIFTY28AUG2522550CE", 48)
	mock.SetQuote("NIFTY28AUG2522600CE", 20)

	got, found := newTestSelector(mock).Find(context.Background(), baseParams())
	require.True(t, found)
	assert.Equal(t, 22550, got.Strike)
	assert.Equal(t, 48.0, got.Premium)
}

func TestFindTieBreaksToLowerStrike(t *testing.T) {
	mock := broker.NewMockBroker()
	// 40 and 60 are both 10 away from the target of 50.
	mock.SetQuote("NIFTY28AUG2522400CE", 200)
	mock.SetQuote("NIFTY28AUG2522450CE", 40)
	mock.SetQuote("NIFTY28AUG2522550CE", 60)
	mock.SetQuote("NIFTY28AUG2522600CE", 200)

	got, found := newTestSelector(mock).Find(context.Background(), baseParams())
	require.True(t, found)
	assert.Equal(t, 22450, got.Strike, "ties resolve to the first candidate in ascending strike order")
}

func TestFindSkipsUnobtainableQuotes(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.FailQuotes["NIFTY28AUG2522400CE"] = true
	mock.FailQuotes["NIFTY28AUG2522450CE"] = true
	mock.SetQuote("NIFTY28AUG2522550CE", 120)
	mock.SetQuote("NIFTY28AUG2522600CE", 51)

	got, found := newTestSelector(mock).Find(context.Background(), baseParams())
	require.True(t, found)
	assert.Equal(t, 22600, got.Strike)
}

func TestFindNoObtainableCandidate(t *testing.T) {
	mock := broker.NewMockBroker()
	for _, cand := range Candidates(baseParams()) {
		mock.FailQuotes[cand.Symbol] = true
	}

	_, found := newTestSelector(mock).Find(context.Background(), baseParams())
	assert.False(t, found)
}
