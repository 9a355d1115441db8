package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_API_KEY", "key")
	t.Setenv("VECTOR_STORE_ID", "research_docs")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "key", cfg.GoogleApiKey)
	assert.Equal(t, "research_docs", cfg.VectorStoreID)
	assert.Equal(t, 3, cfg.FileSearchMaxResults)
	assert.Equal(t, 2*time.Minute, cfg.TurnTimeout)
	assert.Equal(t, 2, cfg.TurnMaxRetries)
	assert.Equal(t, 40, cfg.HistoryMaxTurns)
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, 1536, cfg.EmbeddingDimensions)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TURN_TIMEOUT", "45s")
	t.Setenv("HISTORY_MAX_TURNS", "0")
	t.Setenv("DB_MAX_CONNS", "8")
	t.Setenv("LOG_JSON", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.TurnTimeout)
	assert.Equal(t, 0, cfg.HistoryMaxTurns)
	assert.Equal(t, 8, cfg.DBMaxConns)
	assert.True(t, cfg.LogJSON)
}

func TestLoadMalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"TURN_TIMEOUT", "abc"},
		{"CHUNK_SIZE", "not-a-number"},
		{"LOG_JSON", "sometimes"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.key, cfgErr.Key)
			assert.Contains(t, cfgErr.Reason, tt.value)
		})
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		storeID string
		wantKey string
	}{
		{"missing api key", "", "docs", "GOOGLE_API_KEY"},
		{"missing vector store", "key", "", "VECTOR_STORE_ID"},
		{"missing both", "", "", "GOOGLE_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GOOGLE_API_KEY", tt.apiKey)
			t.Setenv("VECTOR_STORE_ID", tt.storeID)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantKey, cfgErr.Key)
		})
	}
}

func TestValidateRejectsOverlapLargerThanChunk(t *testing.T) {
	setRequired(t)
	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP", "200")

	_, err := Load()
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "CHUNK_OVERLAP", cfgErr.Key)
}
