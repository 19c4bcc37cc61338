package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndReadBack(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	entries := []Entry{
		{TradeID: "t1", OrderID: "o1", Action: "SELL", Symbol: "NIFTY28AUG2522700CE",
			Quantity: 75, Price: 118.4, LegType: "CE", Mode: "PAPER"},
		{TradeID: "t1", OrderID: "o2", Action: "SELL", Symbol: "NIFTY28AUG2522300PE",
			Quantity: 75, Price: 104.2, LegType: "PE", Mode: "PAPER"},
		{TradeID: "t1", OrderID: "o3", Action: "BUY", Symbol: "NIFTY28AUG2522700CE",
			Quantity: 75, Price: 41.0, LegType: "CE", IsAdjustment: true, Mode: "PAPER"},
	}
	for _, e := range entries {
		require.NoError(t, j.Record(ctx, e))
	}

	got, err := j.Entries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "o1", got[0].OrderID)
	assert.Equal(t, "SELL", got[0].Action)
	assert.False(t, got[0].IsAdjustment)
	assert.True(t, got[2].IsAdjustment)
	assert.Equal(t, 41.0, got[2].Price)
	assert.False(t, got[0].ExecutedAt.IsZero(), "missing timestamp is filled at record time")
}

func TestEntriesScopedToTrade(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, Entry{TradeID: "t1", OrderID: "o1", Action: "SELL", Symbol: "A", Quantity: 75, LegType: "CE", Mode: "LIVE"}))
	require.NoError(t, j.Record(ctx, Entry{TradeID: "t2", OrderID: "o2", Action: "SELL", Symbol: "B", Quantity: 75, LegType: "PE", Mode: "LIVE"}))

	got, err := j.Entries(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Symbol)
}

func TestEntriesUnknownTrade(t *testing.T) {
	j := newTestJournal(t)
	got, err := j.Entries(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExplicitTimestampPreserved(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	when := time.Date(2025, 8, 28, 9, 20, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, Entry{
		TradeID: "t1", OrderID: "o1", ExecutedAt: when,
		Action: "SELL", Symbol: "NIFTY28AUG2522700CE", Quantity: 75, LegType: "CE", Mode: "LIVE",
	}))

	got, err := j.Entries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].ExecutedAt.Equal(when))
}

func TestNopJournal(t *testing.T) {
	var j Journal = NopJournal{}
	require.NoError(t, j.Record(context.Background(), Entry{TradeID: "t1"}))
	got, err := j.Entries(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, j.Close())
}
