package ledger_test

import (
	"testing"
	"time"

	"github.com/iotbzh/afmpkg-installer/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestGetOrCreateReturnsSameRecord(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.New(clock, 3600)

	rec := l.GetOrCreate("txn-1", 3)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Expected)

	rec2 := l.GetOrCreate("txn-1", 99) // expected ignored on existing record
	assert.Same(t, rec, rec2)
}

func TestGetOrCreateWithZeroExpectedOnMissingReturnsNil(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.New(clock, 3600)
	assert.Nil(t, l.GetOrCreate("nope", 0))
}

func TestRecordOutcomeTracksSuccessAndFailure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.New(clock, 3600)

	l.GetOrCreate("txn-1", 2)
	l.RecordOutcome("txn-1", true)
	l.RecordOutcome("txn-1", false)

	rec := l.GetOrCreate("txn-1", 0)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Success)
	assert.Equal(t, 1, rec.Failed)
	assert.True(t, rec.Done())
}

func TestExpiredRecordsAreEvicted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.New(clock, 10)

	l.GetOrCreate("txn-1", 1)
	clock.now = time.Unix(1011, 0)

	assert.Nil(t, l.GetOrCreate("txn-1", 0))
}

func TestPutRemovesRecord(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.New(clock, 3600)

	l.GetOrCreate("txn-1", 1)
	l.Put("txn-1")
	assert.Nil(t, l.GetOrCreate("txn-1", 0))
}

func TestCanStopIsFalseWithLiveTransaction(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.New(clock, 3600)

	l.GetOrCreate("txn-1", 2)
	l.RecordOutcome("txn-1", true)
	assert.False(t, l.CanStop())

	l.RecordOutcome("txn-1", true)
	assert.True(t, l.CanStop())
}

func TestCanStopIsTrueWithNoRecords(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := ledger.New(clock, 3600)
	assert.True(t, l.CanStop())
}
