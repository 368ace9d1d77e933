package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresConfig_Defaults(t *testing.T) {
	cfg, err := postgresConfig("postgres://u:p@localhost:5432/exams", PostgresOptions{Timezone: "Asia/Ho_Chi_Minh"})
	require.NoError(t, err)

	assert.Equal(t, int32(20), cfg.MaxConns)
	assert.Equal(t, int32(4), cfg.MinConns)
	assert.Equal(t, "outpatient-exam-booking", cfg.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "5000", cfg.ConnConfig.RuntimeParams["statement_timeout"])
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.ConnConfig.RuntimeParams["timezone"])
}

func TestPostgresConfig_SmallPool(t *testing.T) {
	cfg, err := postgresConfig("postgres://u:p@localhost:5432/exams", PostgresOptions{
		MaxConns:         2,
		StatementTimeout: 1500 * time.Millisecond,
		ApplicationName:  "seed",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, "1500", cfg.ConnConfig.RuntimeParams["statement_timeout"])
	assert.Equal(t, "seed", cfg.ConnConfig.RuntimeParams["application_name"])
	_, ok := cfg.ConnConfig.RuntimeParams["timezone"]
	assert.False(t, ok)
}

func TestPostgresConfig_BadDSN(t *testing.T) {
	_, err := postgresConfig("postgres://%zz", PostgresOptions{})
	assert.Error(t, err)
}
