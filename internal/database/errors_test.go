package database

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassPermanent},
		{"serialization", &pq.Error{Code: "40001"}, ErrorClassSerialization},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrorClassDeadlock},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient},
		{"wrapped deadlock", fmt.Errorf("lock product 7: %w", &pq.Error{Code: "40P01"}), ErrorClassDeadlock},
		{"unique violation", &pq.Error{Code: "23505"}, ErrorClassPermanent},
		{"no rows", sql.ErrNoRows, ErrorClassPermanent},
		{"sentinel", ErrInsufficientStock, ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryable(fmt.Errorf("commit transaction: %w", &pq.Error{Code: "40P01"})))
	assert.False(t, IsRetryable(ErrProductNotFound))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("create command: %w", &pq.Error{Code: "23505", Constraint: "commands_idempotency_key_key"})

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "commands_idempotency_key_key"))
	assert.False(t, IsUniqueViolation(err, "stock_movements_pkey"))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23514"}, ""))
	assert.True(t, IsCheckViolation(&pq.Error{Code: "23514"}))
}
