package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamfleet/orchestrator/internal/domain"
)

func newTestStore() *Store {
	return newStore(nil)
}

func TestRecordFailureRanksByCountDescending(t *testing.T) {
	s := newTestStore()

	for i := 0; i < 5; i++ {
		s.recordFailure(errors.New("frequent"))
	}
	s.recordFailure(errors.New("rare"))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.errorPatterns, 2)
	assert.Equal(t, 5, s.errorPatterns[errorSignature(errors.New("frequent"))].Count)
	assert.Equal(t, 1, s.errorPatterns[errorSignature(errors.New("rare"))].Count)

	patterns := make([]domain.ErrorPattern, 0, len(s.errorPatterns))
	for _, p := range s.errorPatterns {
		patterns = append(patterns, *p)
	}
	sortErrorPatternsByCountDesc(patterns)
	assert.Equal(t, errorSignature(errors.New("frequent")), patterns[0].Signature)
}

func TestErrorPatternTableIsBoundedWithLRUEviction(t *testing.T) {
	s := newTestStore()

	for i := 0; i < maxErrorPatterns+5; i++ {
		s.recordFailure(fmt.Errorf("distinct-error-%d", i))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.LessOrEqual(t, len(s.errorPatterns), maxErrorPatterns)

	// The earliest-inserted signatures should have been evicted.
	_, stillPresent := s.errorPatterns[errorSignature(fmt.Errorf("distinct-error-%d", 0))]
	assert.False(t, stillPresent)
	_, present := s.errorPatterns[errorSignature(fmt.Errorf("distinct-error-%d", maxErrorPatterns+4))]
	assert.True(t, present)
}

func TestBeginEndTransactionTracksActiveSet(t *testing.T) {
	s := newTestStore()

	id := s.beginTransaction("assign_streams")
	s.mu.Lock()
	_, ok := s.activeTx[id]
	s.mu.Unlock()
	assert.True(t, ok)

	s.endTransaction(id, "Committed")
	s.mu.Lock()
	_, ok = s.activeTx[id]
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestSortErrorPatternsByCountDesc(t *testing.T) {
	patterns := []domain.ErrorPattern{
		{Signature: "low", Count: 1},
		{Signature: "high", Count: 9},
		{Signature: "mid", Count: 4},
	}
	sortErrorPatternsByCountDesc(patterns)
	assert.Equal(t, []string{"high", "mid", "low"}, []string{patterns[0].Signature, patterns[1].Signature, patterns[2].Signature})
}
