package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("m-1", "delivery", 2, []byte("payload"))
	b := IdempotencyKey("m-1", "delivery", 2, []byte("payload"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Any component change produces a different key.
	assert.NotEqual(t, a, IdempotencyKey("m-2", "delivery", 2, []byte("payload")))
	assert.NotEqual(t, a, IdempotencyKey("m-1", "stt", 2, []byte("payload")))
	assert.NotEqual(t, a, IdempotencyKey("m-1", "delivery", 3, []byte("payload")))
	assert.NotEqual(t, a, IdempotencyKey("m-1", "delivery", 2, []byte("other")))
}

func TestClaimIdempotency(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("key-1", "m-1", "delivery", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := s.ClaimIdempotency(context.Background(), "key-1", "m-1", "delivery", 0)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimIdempotencyAlreadyClaimed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("key-1", "m-1", "delivery", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := s.ClaimIdempotency(context.Background(), "key-1", "m-1", "delivery", 0)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestReleaseIdempotency(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM idempotency_keys").
		WithArgs("key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.ReleaseIdempotency(context.Background(), "key-1"))
}
