package dynamostore

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

type mockDynamo struct {
	mock.Mock
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.QueryOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.PutItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.TransactWriteItemsOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.CreateTableOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.DescribeTableOutput)
	return out, args.Error(1)
}

func fastRetries(n int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    n,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
	}
}

func newStore(t *testing.T, client *mockDynamo) *Store {
	t.Helper()
	s, err := New(client, "tbl", WithRetryPolicy(fastRetries(2)))
	require.NoError(t, err)
	return s
}

func stringAttr(av types.AttributeValue) string {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func numberAttr(av types.AttributeValue) string {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return ""
	}
	return n.Value
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "tbl")
	assert.Error(t, err)

	_, err = New(new(mockDynamo), "")
	assert.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	at := time.Unix(0, 1_700_000_000_000_000_042).UTC()
	assert.Equal(t, "BASE#orders", batchPK("orders"))
	assert.Equal(t, "BATCH#00000000000000000007", batchSK(7))
	assert.Equal(t, "CHUNKS#orders::7", chunkPK("orders::7"))
	assert.Equal(t, "CHUNK#01700000000000000042#c1", chunkSK(at, "c1"))
	assert.Equal(t, "CHUNK#01700000000000000043", chunkSKUpperBound(at))
	assert.Equal(t, "HIST#orders", historyPK("orders"))
	assert.Equal(t, "JOB#j1", jobPK("j1"))
	assert.Equal(t, "BATCHSTATUS#accumulating", batchStatusPK(model.BatchAccumulating))
	assert.Equal(t, "JOBSTATUS#running", jobStatusPK(model.JobRunning))
}

func TestBatchMarshalRoundTrip(t *testing.T) {
	created := time.Unix(1_700_000_000, 123).UTC()
	b := &model.Batch{
		BaseID:               "orders",
		Sequence:             3,
		Status:               model.BatchFlushing,
		ScheduledFlushHandle: "h1",
		Config: model.BatchConfig{
			ProcessBatchRef:         "proc",
			ImmediateFlushThreshold: 10,
			FlushIntervalMs:         5000,
			HistoryLimit:            7,
		},
		CreatedAt:      created,
		LastUpdatedAt:  created.Add(time.Second),
		FlushStartedAt: created.Add(2 * time.Second),
	}

	av, err := marshalBatch(b, 4)
	require.NoError(t, err)
	got, version, err := unmarshalBatch(av)
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, b, got)
}

func TestBatchMarshal_ZeroTimesSurvive(t *testing.T) {
	b := &model.Batch{BaseID: "orders", Status: model.BatchAccumulating}
	av, err := marshalBatch(b, 1)
	require.NoError(t, err)
	got, _, err := unmarshalBatch(av)
	require.NoError(t, err)
	assert.True(t, got.FlushStartedAt.IsZero())
	assert.True(t, got.CreatedAt.IsZero())
}

func TestInsertJob_SingleConditionalPut(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	client.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return stringAttr(in.Key[attrPK]) == "JOB#j1" &&
			stringAttr(in.Key[attrSK]) == "JOB" &&
			in.ConsistentRead != nil && *in.ConsistentRead
	})).Return(&dynamodb.GetItemOutput{}, nil)

	client.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		if in.TableName == nil || *in.TableName != "tbl" {
			return false
		}
		if in.ConditionExpression == nil || *in.ConditionExpression != "attribute_not_exists(#pk)" {
			return false
		}
		if in.ExpressionAttributeNames["#pk"] != attrPK {
			return false
		}
		return stringAttr(in.Item[attrPK]) == "JOB#j1" &&
			stringAttr(in.Item["status"]) == "running" &&
			numberAttr(in.Item[attrVersion]) == "1"
	})).Return(&dynamodb.PutItemOutput{}, nil)

	err := s.Update(context.Background(), "startJob", func(tx store.Tx) error {
		_, err := tx.GetJob("j1")
		if !errors.IsNotFound(err) {
			return err
		}
		return tx.InsertJob(&model.IteratorJob{JobID: "j1", Status: model.JobRunning})
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestUpdateJob_VersionConditionedPut(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	stored, err := marshalJob(&model.IteratorJob{JobID: "j1", Status: model.JobRunning}, 3)
	require.NoError(t, err)
	client.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: stored}, nil)

	client.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		if in.ConditionExpression == nil || *in.ConditionExpression != "#version = :version" {
			return false
		}
		if in.ExpressionAttributeNames["#version"] != attrVersion {
			return false
		}
		return numberAttr(in.ExpressionAttributeValues[":version"]) == "3" &&
			numberAttr(in.Item[attrVersion]) == "4" &&
			stringAttr(in.Item["status"]) == "paused"
	})).Return(&dynamodb.PutItemOutput{}, nil)

	err = s.Update(context.Background(), "pause", func(tx store.Tx) error {
		j, err := tx.GetJob("j1")
		if err != nil {
			return err
		}
		j.Status = model.JobPaused
		return tx.UpdateJob(j)
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestUpdateJob_WithoutReadRejected(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	err := s.Update(context.Background(), "blind", func(tx store.Tx) error {
		return tx.UpdateJob(&model.IteratorJob{JobID: "j1"})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a prior read")
}

func TestView_RejectsWrites(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	err := s.View(context.Background(), "readonly", func(tx store.Tx) error {
		return tx.InsertJob(&model.IteratorJob{JobID: "j1"})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestCommit_ConditionCheckForUnwrittenRead(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	batch := &model.Batch{BaseID: "orders", Sequence: 0, Status: model.BatchAccumulating}
	stored, err := marshalBatch(batch, 2)
	require.NoError(t, err)
	client.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: stored}, nil)

	client.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
		if len(in.TransactItems) != 3 {
			return false
		}
		checks, puts := 0, 0
		for _, item := range in.TransactItems {
			switch {
			case item.ConditionCheck != nil:
				checks++
				cc := item.ConditionCheck
				if stringAttr(cc.Key[attrPK]) != "BASE#orders" {
					return false
				}
				if numberAttr(cc.ExpressionAttributeValues[":version"]) != "2" {
					return false
				}
			case item.Put != nil:
				puts++
				if *item.Put.ConditionExpression != "attribute_not_exists(#pk)" {
					return false
				}
			}
		}
		return checks == 1 && puts == 2
	})).Return(&dynamodb.TransactWriteItemsOutput{}, nil)

	err = s.Update(context.Background(), "addItems", func(tx store.Tx) error {
		b, err := tx.GetBatch("orders::0")
		if err != nil {
			return err
		}
		for _, id := range []string{"c1", "c2"} {
			if err := tx.InsertChunk(&model.ItemChunk{
				ChunkID: id, BatchID: b.ID(), Items: []any{"x"}, Count: 1, CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestConflict_RetriesAndSucceeds(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	client.On("PutItem", mock.Anything, mock.Anything).
		Return(nil, &types.ConditionalCheckFailedException{}).Once()
	client.On("PutItem", mock.Anything, mock.Anything).
		Return(&dynamodb.PutItemOutput{}, nil).Once()

	err := s.Update(context.Background(), "insert", func(tx store.Tx) error {
		return tx.InsertJob(&model.IteratorJob{JobID: "j1", Status: model.JobRunning})
	})
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "PutItem", 2)
}

func TestConflict_TransactionCancelReasons(t *testing.T) {
	code := "TransactionConflict"
	cancelled := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &code}},
	}
	assert.True(t, isConflict(cancelled))

	throttled := "ThrottlingError"
	assert.False(t, isConflict(&types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &throttled}},
	}))
}

func TestConflict_RetriesExhausted(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	client.On("PutItem", mock.Anything, mock.Anything).
		Return(nil, &types.ConditionalCheckFailedException{})

	err := s.Update(context.Background(), "insert", func(tx store.Tx) error {
		return tx.InsertJob(&model.IteratorJob{JobID: "j1", Status: model.JobRunning})
	})
	assert.ErrorIs(t, err, errors.ErrRetriesExhausted)
	assert.ErrorIs(t, err, errors.ErrWriteConflict)
	client.AssertNumberOfCalls(t, "PutItem", 3)
}

func TestChunksBefore_UpperBoundQuery(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	cutoff := time.Unix(0, 1_700_000_000_000_000_000).UTC()
	chunkAV, err := marshalChunk(&model.ItemChunk{
		ChunkID: "c1", BatchID: "orders::0", Items: []any{"a"}, Count: 1, CreatedAt: cutoff,
	})
	require.NoError(t, err)

	client.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		if *in.KeyConditionExpression != "#pk = :pk AND #sk < :max" {
			return false
		}
		return stringAttr(in.ExpressionAttributeValues[":pk"]) == "CHUNKS#orders::0" &&
			stringAttr(in.ExpressionAttributeValues[":max"]) == chunkSKUpperBound(cutoff)
	})).Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{chunkAV}}, nil)

	err = s.View(context.Background(), "collect", func(tx store.Tx) error {
		chunks, err := tx.ChunksBefore("orders::0", cutoff)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "c1", chunks[0].ChunkID)
		assert.Equal(t, []any{"a"}, chunks[0].Items)
		return nil
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestHistoryByBase_NewestFirst(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	e1, err := marshalHistory(&model.FlushHistoryEntry{EntryID: "e1", BaseID: "orders", Success: true})
	require.NoError(t, err)

	client.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return in.ScanIndexForward != nil && !*in.ScanIndexForward &&
			in.Limit != nil && *in.Limit == 5 &&
			stringAttr(in.ExpressionAttributeValues[":pk"]) == "HIST#orders"
	})).Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{e1}}, nil)

	err = s.View(context.Background(), "history", func(tx store.Tx) error {
		entries, err := tx.HistoryByBase("orders", 5)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "e1", entries[0].EntryID)
		return nil
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestJobsByStatus_UsesStatusIndex(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	j1, err := marshalJob(&model.IteratorJob{JobID: "j1", Status: model.JobRunning}, 1)
	require.NoError(t, err)

	client.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return in.IndexName != nil && *in.IndexName == indexGSI1 &&
			stringAttr(in.ExpressionAttributeValues[":pk"]) == "JOBSTATUS#running"
	})).Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{j1}}, nil)

	err = s.View(context.Background(), "list", func(tx store.Tx) error {
		jobs, err := tx.JobsByStatus(model.JobRunning, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "j1", jobs[0].JobID)
		return nil
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestEnsureTable_CreatesWhenMissing(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	client.On("DescribeTable", mock.Anything, mock.Anything).
		Return(nil, &types.ResourceNotFoundException{}).Once()
	client.On("CreateTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.CreateTableInput) bool {
		return *in.TableName == "tbl" &&
			in.BillingMode == types.BillingModePayPerRequest &&
			len(in.GlobalSecondaryIndexes) == 1 &&
			*in.GlobalSecondaryIndexes[0].IndexName == indexGSI1
	})).Return(&dynamodb.CreateTableOutput{}, nil)
	client.On("DescribeTable", mock.Anything, mock.Anything).
		Return(&dynamodb.DescribeTableOutput{
			Table: &types.TableDescription{TableStatus: types.TableStatusActive},
		}, nil)

	require.NoError(t, s.EnsureTable(context.Background()))
	client.AssertExpectations(t)
}

func TestEnsureTable_NoopWhenPresent(t *testing.T) {
	client := new(mockDynamo)
	s := newStore(t, client)

	client.On("DescribeTable", mock.Anything, mock.Anything).
		Return(&dynamodb.DescribeTableOutput{
			Table: &types.TableDescription{TableStatus: types.TableStatusActive},
		}, nil).Once()

	require.NoError(t, s.EnsureTable(context.Background()))
	client.AssertNotCalled(t, "CreateTable", mock.Anything, mock.Anything)
}
