package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/batchtheory/pkg/errors"
)

func TestFormatAndParseBatchID(t *testing.T) {
	id := FormatBatchID("user-events", 7)
	assert.Equal(t, "user-events::7", id)

	baseID, sequence, err := ParseBatchID(id)
	require.NoError(t, err)
	assert.Equal(t, "user-events", baseID)
	assert.Equal(t, int64(7), sequence)
}

func TestParseBatchID_BaseIDContainsSeparator(t *testing.T) {
	baseID, sequence, err := ParseBatchID("tenant::orders::12")
	require.NoError(t, err)
	assert.Equal(t, "tenant::orders", baseID)
	assert.Equal(t, int64(12), sequence)
}

func TestParseBatchID_Invalid(t *testing.T) {
	for _, id := range []string{"plain-base-id", "x::", "x::notanumber", ""} {
		_, _, err := ParseBatchID(id)
		assert.ErrorIs(t, err, errors.ErrNotFound, "id %q", id)
		assert.False(t, IsBatchID(id), "id %q", id)
	}
}

func TestBatchConfig_EffectiveThreshold(t *testing.T) {
	assert.Equal(t, 0, BatchConfig{}.EffectiveThreshold())
	assert.Equal(t, 50, BatchConfig{MaxBatchSize: 50}.EffectiveThreshold())
	assert.Equal(t, 10, BatchConfig{ImmediateFlushThreshold: 10, MaxBatchSize: 50}.EffectiveThreshold())
}

func TestBatchConfig_Defaults(t *testing.T) {
	cfg := BatchConfig{FlushIntervalMs: 1500}
	assert.Equal(t, 1500*time.Millisecond, cfg.FlushInterval())
	assert.Equal(t, DefaultHistoryLimit, cfg.EffectiveHistoryLimit())
	assert.Equal(t, 3, BatchConfig{HistoryLimit: 3}.EffectiveHistoryLimit())
}

func TestBatchConfig_Validate(t *testing.T) {
	err := BatchConfig{}.Validate()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	err = BatchConfig{ProcessBatchRef: "p", FlushIntervalMs: -1}.Validate()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	require.NoError(t, BatchConfig{ProcessBatchRef: "p"}.Validate())
}

func TestIteratorConfig_DefaultsAndValidate(t *testing.T) {
	cfg := IteratorConfig{FetchPageRef: "f", ProcessBatchRef: "p"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPageSize, cfg.EffectivePageSize())
	assert.Equal(t, DefaultMaxRetries, cfg.EffectiveMaxRetries())
	assert.Equal(t, time.Duration(0), cfg.DelayBetweenPages())

	cfg.PageSize = 25
	cfg.MaxRetries = 2
	cfg.DelayBetweenPagesMs = 200
	assert.Equal(t, 25, cfg.EffectivePageSize())
	assert.Equal(t, 2, cfg.EffectiveMaxRetries())
	assert.Equal(t, 200*time.Millisecond, cfg.DelayBetweenPages())

	assert.ErrorIs(t, IteratorConfig{ProcessBatchRef: "p"}.Validate(), errors.ErrInvalidConfig)
	assert.ErrorIs(t, IteratorConfig{FetchPageRef: "f"}.Validate(), errors.ErrInvalidConfig)
	assert.ErrorIs(t, IteratorConfig{FetchPageRef: "f", ProcessBatchRef: "p", PageSize: -1}.Validate(), errors.ErrInvalidConfig)
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobPaused.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
}

func TestItemChunk_CloneCopiesSlice(t *testing.T) {
	chunk := &ItemChunk{ChunkID: "c1", Items: []any{"a", "b"}, Count: 2}
	clone := chunk.Clone()
	clone.Items[0] = "mutated"
	assert.Equal(t, "a", chunk.Items[0])
}
