package persistence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamfleet/orchestrator/internal/domain"
)

const maxErrorPatterns = 20

// Store is the pooled, retrying, transaction-monitored access point every
// higher-level component (registry, assignment store, placement, failover,
// reconciler) goes through. It is the only process-wide shared resource in
// the orchestrator; everything else is passed explicitly between
// components.
type Store struct {
	pool *pgxpool.Pool

	mu            sync.Mutex
	activeTx      map[string]*domain.TransactionInfo
	forceAborted  map[string]bool
	errorPatterns map[string]*domain.ErrorPattern
	errorOrder    []string // least recently seen first, for LRU eviction

	successCount   int64
	failureCount   int64
	deadlockCount  int64
	retryCount     int64
	acquireTotal   time.Duration
	acquireMax     time.Duration
	acquireSamples int64
}

func newStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:          pool,
		activeTx:      make(map[string]*domain.TransactionInfo),
		errorPatterns: make(map[string]*domain.ErrorPattern),
	}
}

// Pool exposes the underlying pgxpool for components that need to compose
// raw queries inside a WithTransaction callback.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool. Call once, during shutdown.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) recordAcquire(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquireTotal += d
	s.acquireSamples++
	if d > s.acquireMax {
		s.acquireMax = d
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	s.successCount++
	s.mu.Unlock()
}

func (s *Store) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++

	sig := errorSignature(err)
	if p, ok := s.errorPatterns[sig]; ok {
		p.Count++
		p.LastSeen = time.Now().UTC()
		for i, existing := range s.errorOrder {
			if existing == sig {
				s.errorOrder = append(s.errorOrder[:i], s.errorOrder[i+1:]...)
				break
			}
		}
		s.errorOrder = append(s.errorOrder, sig)
		return
	}
	if len(s.errorPatterns) >= maxErrorPatterns {
		// Evict the least recently seen pattern.
		oldest := s.errorOrder[0]
		s.errorOrder = s.errorOrder[1:]
		delete(s.errorPatterns, oldest)
	}
	s.errorPatterns[sig] = &domain.ErrorPattern{
		Signature: sig,
		Count:     1,
		LastSeen:  time.Now().UTC(),
		Severity:  severityFor(err),
	}
	s.errorOrder = append(s.errorOrder, sig)
}

func (s *Store) beginTransaction(label string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.activeTx[id] = &domain.TransactionInfo{
		ID:        id,
		Label:     label,
		StartedAt: time.Now().UTC(),
		Status:    domain.TransactionActive,
	}
	s.mu.Unlock()
	return id
}

func (s *Store) endTransaction(id string, status domain.TransactionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeTx, id)
	if status == domain.TransactionDeadlock {
		s.deadlockCount++
	}
}

// Health returns a snapshot of pool state, success/failure counters, acquire
// timing, currently active transactions, and the ranked error-pattern table.
func (s *Store) Health() domain.HealthSnapshot {
	stat := s.pool.Stat()

	s.mu.Lock()
	defer s.mu.Unlock()

	txs := make([]domain.TransactionInfo, 0, len(s.activeTx))
	for _, t := range s.activeTx {
		txs = append(txs, *t)
	}

	patterns := make([]domain.ErrorPattern, 0, len(s.errorPatterns))
	for _, p := range s.errorPatterns {
		patterns = append(patterns, *p)
	}
	sortErrorPatternsByCountDesc(patterns)

	var avgAcquire time.Duration
	if s.acquireSamples > 0 {
		avgAcquire = s.acquireTotal / time.Duration(s.acquireSamples)
	}

	return domain.HealthSnapshot{
		PoolSize:           int(stat.TotalConns()),
		PoolInUse:          int(stat.AcquiredConns()),
		PoolIdle:           int(stat.IdleConns()),
		SuccessCount:       s.successCount,
		FailureCount:       s.failureCount,
		DeadlockCount:      s.deadlockCount,
		RetryCount:         s.retryCount,
		AvgAcquire:         avgAcquire,
		MaxAcquire:         s.acquireMax,
		ActiveTransactions: txs,
		ErrorPatterns:      patterns,
	}
}

func sortErrorPatternsByCountDesc(p []domain.ErrorPattern) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j].Count > p[j-1].Count; j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}
