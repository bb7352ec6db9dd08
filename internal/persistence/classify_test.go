package persistence

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", &pgconn.PgError{Code: sqlStateDeadlockDetected}, true},
		{"serialization failure", &pgconn.PgError{Code: sqlStateSerializationFailure}, true},
		{"lock not available", &pgconn.PgError{Code: sqlStateLockNotAvailable}, true},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, false},
		{"generic error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isRetryable(tc.err))
		})
	}
}

func TestIsDeadlock(t *testing.T) {
	assert.True(t, isDeadlock(&pgconn.PgError{Code: sqlStateDeadlockDetected}))
	assert.True(t, isDeadlock(&pgconn.PgError{Code: sqlStateSerializationFailure}))
	assert.False(t, isDeadlock(&pgconn.PgError{Code: sqlStateLockNotAvailable}))
	assert.False(t, isDeadlock(errors.New("boom")))
}

func TestJitteredBackoffNeverExceedsCap(t *testing.T) {
	cap := 5 * time.Second
	for i := 0; i < 100; i++ {
		got := jitteredBackoff(10*time.Second, cap)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, cap+1)
	}
}

func TestErrorSignatureGroupsBySQLState(t *testing.T) {
	a := errorSignature(&pgconn.PgError{Code: sqlStateDeadlockDetected, Severity: "ERROR", Message: "deadlock detected on table foo"})
	b := errorSignature(&pgconn.PgError{Code: sqlStateDeadlockDetected, Severity: "ERROR", Message: "deadlock detected on table bar"})
	assert.Equal(t, a, b, "signatures should collapse on SQLSTATE, ignoring message text")
}
