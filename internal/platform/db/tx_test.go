package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestErrorClassifiers(t *testing.T) {
	serialization := fmt.Errorf("update order: %w", &pgconn.PgError{Code: "40001"})
	deadlock := &pgconn.PgError{Code: "40P01"}
	unique := &pgconn.PgError{Code: "23505"}

	require.True(t, IsSerializationFailure(serialization))
	require.True(t, IsSerializationFailure(deadlock))
	require.False(t, IsSerializationFailure(unique))
	require.False(t, IsSerializationFailure(errors.New("40001")))

	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", unique)))
	require.False(t, IsUniqueViolation(serialization))
	require.False(t, IsUniqueViolation(nil))
}
