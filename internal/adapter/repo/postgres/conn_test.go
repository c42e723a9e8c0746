package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_InvalidDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "://bad", 0); err == nil {
		t.Fatalf("expected error for invalid dsn")
	}
}

func TestMigrate_ExecutesSchema(t *testing.T) {
	p := &fakePool{}
	require.NoError(t, Migrate(context.Background(), p))
	require.Len(t, p.execs, 1)
	for _, table := range []string{"reference_materials", "submissions", "grading_results"} {
		assert.True(t, strings.Contains(p.execs[0].sql, "CREATE TABLE IF NOT EXISTS "+table), table)
	}

	p = &fakePool{execErr: assert.AnError}
	err := Migrate(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=postgres.Migrate")
}
