package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

// tickingClock hands out strictly increasing timestamps.
func tickingClock() func() time.Time {
	base := time.Unix(1_700_000_000, 0).UTC()
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func testBatch(baseID string, sequence int64) *model.Batch {
	return &model.Batch{
		BaseID:   baseID,
		Sequence: sequence,
		Status:   model.BatchAccumulating,
		Config:   model.BatchConfig{ProcessBatchRef: "proc"},
	}
}

func TestInsertAndGetBatch(t *testing.T) {
	s := New(WithNow(tickingClock()))
	ctx := context.Background()

	err := s.Update(ctx, "insert", func(tx store.Tx) error {
		b := testBatch("orders", 0)
		b.CreatedAt = tx.Now()
		return tx.InsertBatch(b)
	})
	require.NoError(t, err)

	err = s.View(ctx, "get", func(tx store.Tx) error {
		b, err := tx.GetBatch("orders::0")
		require.NoError(t, err)
		assert.Equal(t, "orders", b.BaseID)
		assert.Equal(t, model.BatchAccumulating, b.Status)

		_, err = tx.GetBatch("orders::1")
		assert.ErrorIs(t, err, errors.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRequiresPriorRead(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		return tx.InsertBatch(testBatch("orders", 0))
	}))

	err := s.Update(ctx, "blind-update", func(tx store.Tx) error {
		return tx.UpdateBatch(testBatch("orders", 0))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a prior read")
}

func TestViewRejectsWrites(t *testing.T) {
	s := New()

	err := s.View(context.Background(), "readonly", func(tx store.Tx) error {
		return tx.InsertBatch(testBatch("orders", 0))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestDuplicateWriteRejected(t *testing.T) {
	s := New()

	err := s.Update(context.Background(), "dup", func(tx store.Tx) error {
		if err := tx.InsertBatch(testBatch("orders", 0)); err != nil {
			return err
		}
		return tx.InsertBatch(testBatch("orders", 0))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate write")
}

func TestConflictRetriesTransaction(t *testing.T) {
	var s *Store
	interfered := false
	s = New(WithCommitHook(func(op string) {
		if op != "contended" || interfered {
			return
		}
		interfered = true
		// A competing writer updates the job between fn and commit.
		err := s.Update(context.Background(), "competitor", func(tx store.Tx) error {
			j, err := tx.GetJob("job-1")
			if err != nil {
				return err
			}
			j.ProcessedCount = 100
			return tx.UpdateJob(j)
		})
		if err != nil {
			t.Errorf("competitor update failed: %v", err)
		}
	}))
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		return tx.InsertJob(&model.IteratorJob{JobID: "job-1", Status: model.JobRunning})
	}))

	attempts := 0
	err := s.Update(ctx, "contended", func(tx store.Tx) error {
		attempts++
		j, err := tx.GetJob("job-1")
		if err != nil {
			return err
		}
		j.RetryCount++
		return tx.UpdateJob(j)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "first attempt loses, second wins")

	err = s.View(ctx, "verify", func(tx store.Tx) error {
		j, err := tx.GetJob("job-1")
		require.NoError(t, err)
		// Both the competitor's write and the retried write landed.
		assert.Equal(t, 100, j.ProcessedCount)
		assert.Equal(t, 1, j.RetryCount)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertConflictOnExistingRecord(t *testing.T) {
	var s *Store
	interfered := false
	s = New(WithMaxAttempts(2), WithCommitHook(func(op string) {
		if op != "racing-insert" || interfered {
			return
		}
		interfered = true
		err := s.Update(context.Background(), "competitor", func(tx store.Tx) error {
			return tx.InsertJob(&model.IteratorJob{JobID: "job-1", Status: model.JobRunning})
		})
		if err != nil {
			t.Errorf("competitor insert failed: %v", err)
		}
	}))

	err := s.Update(context.Background(), "racing-insert", func(tx store.Tx) error {
		_, err := tx.GetJob("job-1")
		if err == nil {
			return errors.ErrJobExists
		}
		if !errors.IsNotFound(err) {
			return err
		}
		return tx.InsertJob(&model.IteratorJob{JobID: "job-1", Status: model.JobRunning})
	})
	// The re-run observes the competitor's record and reports the logical error.
	assert.ErrorIs(t, err, errors.ErrJobExists)
}

func TestRetriesExhausted(t *testing.T) {
	var s *Store
	s = New(WithMaxAttempts(3), WithCommitHook(func(op string) {
		if op != "always-loses" {
			return
		}
		_ = s.Update(context.Background(), "competitor", func(tx store.Tx) error {
			j, err := tx.GetJob("job-1")
			if err != nil {
				return err
			}
			j.ProcessedCount++
			return tx.UpdateJob(j)
		})
	}))
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		return tx.InsertJob(&model.IteratorJob{JobID: "job-1", Status: model.JobRunning})
	}))

	err := s.Update(ctx, "always-loses", func(tx store.Tx) error {
		j, err := tx.GetJob("job-1")
		if err != nil {
			return err
		}
		j.RetryCount++
		return tx.UpdateJob(j)
	})
	assert.ErrorIs(t, err, errors.ErrRetriesExhausted)
	assert.ErrorIs(t, err, errors.ErrWriteConflict)
}

func TestChunkOrderingAndCutoff(t *testing.T) {
	s := New(WithNow(tickingClock()))
	ctx := context.Background()

	var cutoff time.Time
	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		if err := tx.InsertBatch(testBatch("orders", 0)); err != nil {
			return err
		}
		for i, id := range []string{"c1", "c2", "c3"} {
			at := tx.Now().Add(time.Duration(i) * time.Second)
			if i == 1 {
				cutoff = at
			}
			if err := tx.InsertChunk(&model.ItemChunk{
				ChunkID:   id,
				BatchID:   "orders::0",
				Items:     []any{id},
				Count:     1,
				CreatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, "verify", func(tx store.Tx) error {
		all, err := tx.ChunksByBatch("orders::0")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c1", all[0].ChunkID)
		assert.Equal(t, "c3", all[2].ChunkID)

		// The cutoff is inclusive.
		before, err := tx.ChunksBefore("orders::0", cutoff)
		require.NoError(t, err)
		require.Len(t, before, 2)
		assert.Equal(t, "c2", before[1].ChunkID)
		return nil
	}))
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	s := New(WithNow(tickingClock()))
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		for i, id := range []string{"e1", "e2", "e3"} {
			if err := tx.AppendHistory(&model.FlushHistoryEntry{
				EntryID:   id,
				BaseID:    "orders",
				Success:   true,
				FlushedAt: tx.Now().Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, "verify", func(tx store.Tx) error {
		entries, err := tx.HistoryByBase("orders", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "e3", entries[0].EntryID)
		assert.Equal(t, "e2", entries[1].EntryID)
		return nil
	}))
}

func TestBatchQueriesAndMaxSequence(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		completed := testBatch("orders", 0)
		completed.Status = model.BatchCompleted
		if err := tx.InsertBatch(completed); err != nil {
			return err
		}
		flushing := testBatch("orders", 1)
		flushing.Status = model.BatchFlushing
		if err := tx.InsertBatch(flushing); err != nil {
			return err
		}
		if err := tx.InsertBatch(testBatch("orders", 2)); err != nil {
			return err
		}
		return tx.InsertBatch(testBatch("payments", 5))
	}))

	require.NoError(t, s.View(ctx, "verify", func(tx store.Tx) error {
		active, err := tx.ActiveBatches("orders")
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, int64(1), active[0].Sequence)
		assert.Equal(t, int64(2), active[1].Sequence)

		all, err := tx.BatchesByBase("orders")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		accumulating, err := tx.BatchesByStatus(model.BatchAccumulating, 0)
		require.NoError(t, err)
		assert.Len(t, accumulating, 2)

		maxSeq, found, err := tx.MaxSequence("orders")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(2), maxSeq)

		_, found, err = tx.MaxSequence("unknown")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	}))
}

func TestJobListings(t *testing.T) {
	s := New(WithNow(tickingClock()))
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		for _, j := range []*model.IteratorJob{
			{JobID: "a", Status: model.JobRunning},
			{JobID: "b", Status: model.JobPaused},
			{JobID: "c", Status: model.JobRunning},
		} {
			j.CreatedAt = tx.Now()
			if err := tx.InsertJob(j); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, "verify", func(tx store.Tx) error {
		running, err := tx.JobsByStatus(model.JobRunning, 0)
		require.NoError(t, err)
		require.Len(t, running, 2)

		all, err := tx.ListJobs(2)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].JobID)
		assert.Equal(t, "b", all[1].JobID)
		return nil
	}))
}

func TestDeleteRecords(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "seed", func(tx store.Tx) error {
		if err := tx.InsertBatch(testBatch("orders", 0)); err != nil {
			return err
		}
		return tx.InsertChunk(&model.ItemChunk{ChunkID: "c1", BatchID: "orders::0", Count: 1})
	}))

	require.NoError(t, s.Update(ctx, "delete", func(tx store.Tx) error {
		if _, err := tx.GetBatch("orders::0"); err != nil {
			return err
		}
		chunks, err := tx.ChunksByBatch("orders::0")
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := tx.DeleteChunk(c); err != nil {
				return err
			}
		}
		return tx.DeleteBatch("orders::0")
	}))

	require.NoError(t, s.View(ctx, "verify", func(tx store.Tx) error {
		_, err := tx.GetBatch("orders::0")
		assert.ErrorIs(t, err, errors.ErrNotFound)
		chunks, err := tx.ChunksByBatch("orders::0")
		require.NoError(t, err)
		assert.Empty(t, chunks)
		return nil
	}))
}
