package dynamostore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
)

type writeOp int

const (
	opInsert writeOp = iota
	opPut
	opDelete
)

// trackedRead remembers the version a point read observed so the commit can
// condition on it.
type trackedRead struct {
	pk      string
	sk      string
	version int64
}

type write struct {
	item        map[string]types.AttributeValue
	pk          string
	sk          string
	desc        string
	readVersion int64
	op          writeOp
	conditioned bool
}

// tx buffers writes against live reads. Reads go straight to the table with
// consistent reads; nothing is visible to other transactions until commit.
type tx struct {
	s        *Store
	ctx      context.Context
	reads    map[string]*trackedRead
	staged   map[string]*write
	writes   []*write
	now      time.Time
	readonly bool
}

func txKey(pk, sk string) string {
	return pk + "\x00" + sk
}

// Now implements store.Tx.
func (t *tx) Now() time.Time {
	return t.now
}

func (t *tx) track(pk, sk string, version int64) {
	t.reads[txKey(pk, sk)] = &trackedRead{pk: pk, sk: sk, version: version}
}

func (t *tx) readVersionOf(pk, sk string) (int64, bool) {
	r, ok := t.reads[txKey(pk, sk)]
	if !ok {
		return 0, false
	}
	return r.version, true
}

func (t *tx) stage(w *write) error {
	if t.readonly {
		return fmt.Errorf("dynamostore: write to %s in read-only transaction", w.desc)
	}
	key := txKey(w.pk, w.sk)
	if _, ok := t.staged[key]; ok {
		return fmt.Errorf("dynamostore: duplicate write to %s in one transaction", w.desc)
	}
	t.staged[key] = w
	t.writes = append(t.writes, w)
	return nil
}

func (t *tx) getItem(pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := t.s.client.GetItem(t.ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.s.table),
		Key:            primaryKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: get %s/%s: %w", pk, sk, err)
	}
	return out.Item, nil
}

// queryAll drains a query, following pagination until exhausted or limit
// items have been collected. limit <= 0 means no limit.
func (t *tx) queryAll(input *dynamodb.QueryInput, limit int) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		if limit > 0 {
			remaining := limit - len(items)
			if remaining <= 0 {
				return items[:limit], nil
			}
			input.Limit = aws.Int32(int32(remaining))
		}
		out, err := t.s.client.Query(t.ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: query: %w", err)
		}
		items = append(items, out.Items...)
		if out.LastEvaluatedKey == nil {
			return items, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// --- batches ---

func (t *tx) GetBatch(batchID string) (*model.Batch, error) {
	baseID, sequence, err := model.ParseBatchID(batchID)
	if err != nil {
		return nil, err
	}
	pk, sk := batchPK(baseID), batchSK(sequence)
	item, err := t.getItem(pk, sk)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: batch %s", errors.ErrNotFound, batchID)
	}
	b, version, err := unmarshalBatch(item)
	if err != nil {
		return nil, err
	}
	t.track(pk, sk, version)
	return b, nil
}

func (t *tx) InsertBatch(b *model.Batch) error {
	item, err := marshalBatch(b, 1)
	if err != nil {
		return err
	}
	return t.stage(&write{
		op:   opInsert,
		pk:   batchPK(b.BaseID),
		sk:   batchSK(b.Sequence),
		item: item,
		desc: "batch " + b.ID(),
	})
}

func (t *tx) UpdateBatch(b *model.Batch) error {
	pk, sk := batchPK(b.BaseID), batchSK(b.Sequence)
	seen, ok := t.readVersionOf(pk, sk)
	if !ok {
		return fmt.Errorf("dynamostore: update of batch %s without a prior read in this transaction", b.ID())
	}
	item, err := marshalBatch(b, seen+1)
	if err != nil {
		return err
	}
	return t.stage(&write{
		op:          opPut,
		pk:          pk,
		sk:          sk,
		item:        item,
		readVersion: seen,
		conditioned: true,
		desc:        "batch " + b.ID(),
	})
}

func (t *tx) DeleteBatch(batchID string) error {
	baseID, sequence, err := model.ParseBatchID(batchID)
	if err != nil {
		return err
	}
	pk, sk := batchPK(baseID), batchSK(sequence)
	seen, ok := t.readVersionOf(pk, sk)
	if !ok {
		return fmt.Errorf("dynamostore: delete of batch %s without a prior read in this transaction", batchID)
	}
	return t.stage(&write{
		op:          opDelete,
		pk:          pk,
		sk:          sk,
		readVersion: seen,
		conditioned: true,
		desc:        "batch " + batchID,
	})
}

func (t *tx) ActiveBatches(baseID string) ([]*model.Batch, error) {
	return t.batchesForBase(baseID, func(b *model.Batch) bool {
		return b.Status == model.BatchAccumulating || b.Status == model.BatchFlushing
	})
}

func (t *tx) BatchesByBase(baseID string) ([]*model.Batch, error) {
	return t.batchesForBase(baseID, func(b *model.Batch) bool { return true })
}

// batchesForBase queries all generations of a base id with consistent reads
// and tracks every accepted record, so callers may update or delete them.
func (t *tx) batchesForBase(baseID string, accept func(*model.Batch) bool) ([]*model.Batch, error) {
	items, err := t.queryAll(&dynamodb.QueryInput{
		TableName:              aws.String(t.s.table),
		KeyConditionExpression: aws.String("#pk = :pk AND begins_with(#sk, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: batchPK(baseID)},
			":prefix": &types.AttributeValueMemberS{Value: "BATCH#"},
		},
		ConsistentRead: aws.Bool(true),
	}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Batch, 0, len(items))
	for _, item := range items {
		b, version, err := unmarshalBatch(item)
		if err != nil {
			return nil, err
		}
		if !accept(b) {
			continue
		}
		t.track(batchPK(b.BaseID), batchSK(b.Sequence), version)
		out = append(out, b)
	}
	return out, nil
}

// BatchesByStatus serves listings from GSI1. The index is eventually
// consistent, so these reads are snapshots and are not conflict-checked.
func (t *tx) BatchesByStatus(status model.BatchStatus, limit int) ([]*model.Batch, error) {
	items, err := t.queryAll(&dynamodb.QueryInput{
		TableName:              aws.String(t.s.table),
		IndexName:              aws.String(indexGSI1),
		KeyConditionExpression: aws.String("#gsi1pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#gsi1pk": attrGSI1PK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: batchStatusPK(status)},
		},
	}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Batch, 0, len(items))
	for _, item := range items {
		b, _, err := unmarshalBatch(item)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (t *tx) MaxSequence(baseID string) (int64, bool, error) {
	items, err := t.queryAll(&dynamodb.QueryInput{
		TableName:              aws.String(t.s.table),
		KeyConditionExpression: aws.String("#pk = :pk AND begins_with(#sk, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: batchPK(baseID)},
			":prefix": &types.AttributeValueMemberS{Value: "BATCH#"},
		},
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}, 1)
	if err != nil {
		return 0, false, err
	}
	if len(items) == 0 {
		return 0, false, nil
	}
	b, _, err := unmarshalBatch(items[0])
	if err != nil {
		return 0, false, err
	}
	return b.Sequence, true, nil
}

// --- chunks ---

func (t *tx) InsertChunk(c *model.ItemChunk) error {
	item, err := marshalChunk(c)
	if err != nil {
		return err
	}
	return t.stage(&write{
		op:   opInsert,
		pk:   chunkPK(c.BatchID),
		sk:   chunkSK(c.CreatedAt, c.ChunkID),
		item: item,
		desc: "chunk " + c.ChunkID,
	})
}

func (t *tx) ChunksByBatch(batchID string) ([]*model.ItemChunk, error) {
	return t.chunks(batchID, &dynamodb.QueryInput{
		TableName:              aws.String(t.s.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: chunkPK(batchID)},
		},
		ConsistentRead: aws.Bool(true),
	})
}

func (t *tx) ChunksBefore(batchID string, cutoff time.Time) ([]*model.ItemChunk, error) {
	return t.chunks(batchID, &dynamodb.QueryInput{
		TableName:              aws.String(t.s.table),
		KeyConditionExpression: aws.String("#pk = :pk AND #sk < :max"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: chunkPK(batchID)},
			":max": &types.AttributeValueMemberS{Value: chunkSKUpperBound(cutoff)},
		},
		ConsistentRead: aws.Bool(true),
	})
}

func (t *tx) chunks(batchID string, input *dynamodb.QueryInput) ([]*model.ItemChunk, error) {
	items, err := t.queryAll(input, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ItemChunk, 0, len(items))
	for _, item := range items {
		c, err := unmarshalChunk(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteChunk deletes unconditionally. Chunks are immutable, and the chunks a
// flush consumes are fenced by the cutoff timestamp in their sort key, so a
// version condition would never catch anything.
func (t *tx) DeleteChunk(c *model.ItemChunk) error {
	return t.stage(&write{
		op:   opDelete,
		pk:   chunkPK(c.BatchID),
		sk:   chunkSK(c.CreatedAt, c.ChunkID),
		desc: "chunk " + c.ChunkID,
	})
}

// --- flush history ---

func (t *tx) AppendHistory(e *model.FlushHistoryEntry) error {
	item, err := marshalHistory(e)
	if err != nil {
		return err
	}
	return t.stage(&write{
		op:   opInsert,
		pk:   historyPK(e.BaseID),
		sk:   historySK(e.FlushedAt, e.EntryID),
		item: item,
		desc: "history entry " + e.EntryID,
	})
}

func (t *tx) HistoryByBase(baseID string, limit int) ([]*model.FlushHistoryEntry, error) {
	items, err := t.queryAll(&dynamodb.QueryInput{
		TableName:              aws.String(t.s.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: historyPK(baseID)},
		},
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.FlushHistoryEntry, 0, len(items))
	for _, item := range items {
		e, err := unmarshalHistory(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *tx) DeleteHistory(e *model.FlushHistoryEntry) error {
	return t.stage(&write{
		op:   opDelete,
		pk:   historyPK(e.BaseID),
		sk:   historySK(e.FlushedAt, e.EntryID),
		desc: "history entry " + e.EntryID,
	})
}

// --- iterator jobs ---

func (t *tx) GetJob(jobID string) (*model.IteratorJob, error) {
	pk := jobPK(jobID)
	item, err := t.getItem(pk, jobSortKey)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: iterator job %s", errors.ErrNotFound, jobID)
	}
	j, version, err := unmarshalJob(item)
	if err != nil {
		return nil, err
	}
	t.track(pk, jobSortKey, version)
	return j, nil
}

func (t *tx) InsertJob(j *model.IteratorJob) error {
	item, err := marshalJob(j, 1)
	if err != nil {
		return err
	}
	return t.stage(&write{
		op:   opInsert,
		pk:   jobPK(j.JobID),
		sk:   jobSortKey,
		item: item,
		desc: "job " + j.JobID,
	})
}

func (t *tx) UpdateJob(j *model.IteratorJob) error {
	pk := jobPK(j.JobID)
	seen, ok := t.readVersionOf(pk, jobSortKey)
	if !ok {
		return fmt.Errorf("dynamostore: update of job %s without a prior read in this transaction", j.JobID)
	}
	item, err := marshalJob(j, seen+1)
	if err != nil {
		return err
	}
	return t.stage(&write{
		op:          opPut,
		pk:          pk,
		sk:          jobSortKey,
		item:        item,
		readVersion: seen,
		conditioned: true,
		desc:        "job " + j.JobID,
	})
}

func (t *tx) DeleteJob(jobID string) error {
	pk := jobPK(jobID)
	seen, ok := t.readVersionOf(pk, jobSortKey)
	if !ok {
		return fmt.Errorf("dynamostore: delete of job %s without a prior read in this transaction", jobID)
	}
	return t.stage(&write{
		op:          opDelete,
		pk:          pk,
		sk:          jobSortKey,
		readVersion: seen,
		conditioned: true,
		desc:        "job " + jobID,
	})
}

func (t *tx) JobsByStatus(status model.JobStatus, limit int) ([]*model.IteratorJob, error) {
	items, err := t.queryAll(&dynamodb.QueryInput{
		TableName:              aws.String(t.s.table),
		IndexName:              aws.String(indexGSI1),
		KeyConditionExpression: aws.String("#gsi1pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#gsi1pk": attrGSI1PK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: jobStatusPK(status)},
		},
	}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.IteratorJob, 0, len(items))
	for _, item := range items {
		j, _, err := unmarshalJob(item)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// ListJobs merges the per-status index partitions and re-sorts by creation
// time; there is no single partition holding all jobs.
func (t *tx) ListJobs(limit int) ([]*model.IteratorJob, error) {
	statuses := []model.JobStatus{model.JobRunning, model.JobPaused, model.JobCompleted, model.JobFailed}
	var out []*model.IteratorJob
	for _, status := range statuses {
		jobs, err := t.JobsByStatus(status, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- commit ---

// commit turns the buffered writes into one TransactWriteItems call. Tracked
// reads that were not subsequently written become ConditionCheck entries, so
// the transaction also fails when a record it merely depended on has moved.
func (t *tx) commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}

	var checks []types.TransactWriteItem
	for key, r := range t.reads {
		if _, written := t.staged[key]; written {
			continue
		}
		checks = append(checks, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(t.s.table),
				Key:                 primaryKey(r.pk, r.sk),
				ConditionExpression: aws.String("#version = :version"),
				ExpressionAttributeNames: map[string]string{
					"#version": attrVersion,
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":version": numberValue(r.version),
				},
			},
		})
	}

	total := len(checks) + len(t.writes)
	if total > maxTransactItems {
		return fmt.Errorf("%w: %d items exceed the transaction limit of %d",
			errors.ErrTransactionTooLarge, total, maxTransactItems)
	}

	if len(checks) == 0 && len(t.writes) == 1 {
		return t.commitSingle(ctx, t.writes[0])
	}

	items := checks
	for _, w := range t.writes {
		items = append(items, t.transactItem(w))
	}
	_, err := t.s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: transaction cancelled: %v", errors.ErrWriteConflict, err)
		}
		return fmt.Errorf("dynamostore: commit: %w", err)
	}
	return nil
}

// commitSingle is the fast path for a transaction that touched exactly one
// record: a conditional PutItem or DeleteItem carries the same guarantees at
// half the write cost.
func (t *tx) commitSingle(ctx context.Context, w *write) error {
	var err error
	switch w.op {
	case opInsert, opPut:
		input := &dynamodb.PutItemInput{
			TableName: aws.String(t.s.table),
			Item:      w.item,
		}
		input.ConditionExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues = t.condition(w)
		_, err = t.s.client.PutItem(ctx, input)
	case opDelete:
		input := &dynamodb.DeleteItemInput{
			TableName: aws.String(t.s.table),
			Key:       primaryKey(w.pk, w.sk),
		}
		input.ConditionExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues = t.condition(w)
		_, err = t.s.client.DeleteItem(ctx, input)
	}
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %s", errors.ErrWriteConflict, w.desc)
		}
		return fmt.Errorf("dynamostore: commit %s: %w", w.desc, err)
	}
	return nil
}

func (t *tx) transactItem(w *write) types.TransactWriteItem {
	expr, names, values := t.condition(w)
	switch w.op {
	case opDelete:
		return types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                 aws.String(t.s.table),
				Key:                       primaryKey(w.pk, w.sk),
				ConditionExpression:       expr,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		}
	default:
		return types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(t.s.table),
				Item:                      w.item,
				ConditionExpression:       expr,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		}
	}
}

func (t *tx) condition(w *write) (*string, map[string]string, map[string]types.AttributeValue) {
	switch {
	case w.op == opInsert:
		return aws.String("attribute_not_exists(#pk)"),
			map[string]string{"#pk": attrPK},
			nil
	case w.conditioned:
		return aws.String("#version = :version"),
			map[string]string{"#version": attrVersion},
			map[string]types.AttributeValue{":version": numberValue(w.readVersion)}
	default:
		return nil, nil, nil
	}
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}
