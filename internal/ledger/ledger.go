// Package ledger implements the Transaction Ledger: the process-wide,
// mutex-guarded map of in-flight TRANSIDs a STATUS query reads and an
// ADD/REMOVE outcome updates (spec §4.9), generalized from the teacher's
// MemoryCheckpointStore's lock-around-a-map shape.
package ledger

import (
	"sync"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
)

const defaultTTLSeconds = 3600

// Ledger tracks one domain.TransactionRecord per TRANSID.
type Ledger struct {
	clock domain.Clock
	ttl   int64

	mu      sync.Mutex
	records map[string]*domain.TransactionRecord
}

// New returns a Ledger that evicts records TTL seconds (default 3600) after
// creation, using clock to decide "now".
func New(clock domain.Clock, ttlSeconds int64) *Ledger {
	if ttlSeconds <= 0 {
		ttlSeconds = defaultTTLSeconds
	}
	return &Ledger{
		clock:   clock,
		ttl:     ttlSeconds,
		records: make(map[string]*domain.TransactionRecord),
	}
}

// GetOrCreate evicts expired entries, then returns the record for id,
// creating one with the given expected count if it did not already exist
// and expected > 0 (spec §4.9).
func (l *Ledger) GetOrCreate(id string, expected int) *domain.TransactionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictExpired()

	if rec, ok := l.records[id]; ok {
		return rec
	}
	if expected <= 0 {
		return nil
	}

	rec := &domain.TransactionRecord{
		ID:        id,
		ExpiresAt: l.clock.Now().Unix() + l.ttl,
		Expected:  expected,
	}
	l.records[id] = rec
	return rec
}

// Put removes a transaction record, spec §4.9's "put(trans) removes it".
func (l *Ledger) Put(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, id)
}

// RecordOutcome increments the success or failure counter of id's record,
// creating it (expected 1) if no record for id exists yet.
func (l *Ledger) RecordOutcome(id string, ok bool) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictExpired()
	rec, exists := l.records[id]
	if !exists {
		rec = &domain.TransactionRecord{
			ID:        id,
			ExpiresAt: l.clock.Now().Unix() + l.ttl,
			Expected:  1,
		}
		l.records[id] = rec
	}
	if ok {
		rec.Success++
	} else {
		rec.Failed++
	}
}

// CanStop reports whether no live (unexpired, unfinished) entries remain,
// spec §4.9's idle-shutdown input.
func (l *Ledger) CanStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictExpired()
	for _, rec := range l.records {
		if !rec.Done() {
			return false
		}
	}
	return true
}

// evictExpired removes every record past its TTL. Callers must hold l.mu.
func (l *Ledger) evictExpired() {
	now := l.clock.Now().Unix()
	for id, rec := range l.records {
		if rec.ExpiresAt <= now {
			delete(l.records, id)
		}
	}
}
