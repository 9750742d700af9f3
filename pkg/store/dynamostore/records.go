package dynamostore

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/batchtheory/pkg/model"
)

// Single-table layout. Every record carries pk/sk plus a version attribute
// used for the optimistic conflict checks; batches and jobs additionally
// project into GSI1 for status lookups.
//
//	batch    pk=BASE#<baseId>     sk=BATCH#<seq, zero padded>
//	chunk    pk=CHUNKS#<batchId>  sk=CHUNK#<createdAt ns>#<chunkId>
//	history  pk=HIST#<baseId>     sk=ENTRY#<flushedAt ns>#<entryId>
//	job      pk=JOB#<jobId>       sk=JOB
//
// Chunk and history sort keys embed the creation timestamp so range queries
// come back in time order without a scan.
const (
	attrPK      = "pk"
	attrSK      = "sk"
	attrGSI1PK  = "gsi1pk"
	attrGSI1SK  = "gsi1sk"
	attrVersion = "version"

	indexGSI1 = "gsi1"

	jobSortKey = "JOB"
)

func batchPK(baseID string) string { return "BASE#" + baseID }

func batchSK(sequence int64) string { return fmt.Sprintf("BATCH#%020d", sequence) }

func batchStatusPK(status model.BatchStatus) string { return "BATCHSTATUS#" + string(status) }

// batchStatusSK orders the status index by (baseId, sequence), matching the
// primary ordering of BatchesByBase.
func batchStatusSK(baseID string, sequence int64) string {
	return fmt.Sprintf("%s#%020d", baseID, sequence)
}

func chunkPK(batchID string) string { return "CHUNKS#" + batchID }

func chunkSK(createdAt time.Time, chunkID string) string {
	return fmt.Sprintf("CHUNK#%020d#%s", createdAt.UnixNano(), chunkID)
}

// chunkSKUpperBound is an exclusive sort-key bound covering every chunk with
// CreatedAt <= cutoff.
func chunkSKUpperBound(cutoff time.Time) string {
	return fmt.Sprintf("CHUNK#%020d", cutoff.UnixNano()+1)
}

func historyPK(baseID string) string { return "HIST#" + baseID }

func historySK(flushedAt time.Time, entryID string) string {
	return fmt.Sprintf("ENTRY#%020d#%s", flushedAt.UnixNano(), entryID)
}

func jobPK(jobID string) string { return "JOB#" + jobID }

func jobStatusPK(status model.JobStatus) string { return "JOBSTATUS#" + string(status) }

// jobStatusSK orders the status index by (createdAt, jobId).
func jobStatusSK(createdAt time.Time, jobID string) string {
	return fmt.Sprintf("%020d#%s", createdAt.UnixNano(), jobID)
}

func primaryKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

// The zero time is stored as 0 so key builders and range conditions stay
// purely numeric.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type batchConfigItem struct {
	ProcessBatchRef         string `dynamodbav:"process_batch_ref"`
	ImmediateFlushThreshold int    `dynamodbav:"immediate_flush_threshold"`
	MaxBatchSize            int    `dynamodbav:"max_batch_size"`
	FlushIntervalMs         int64  `dynamodbav:"flush_interval_ms"`
	HistoryLimit            int    `dynamodbav:"history_limit"`
}

type batchItem struct {
	PK                   string          `dynamodbav:"pk"`
	SK                   string          `dynamodbav:"sk"`
	GSI1PK               string          `dynamodbav:"gsi1pk"`
	GSI1SK               string          `dynamodbav:"gsi1sk"`
	BaseID               string          `dynamodbav:"base_id"`
	Sequence             int64           `dynamodbav:"sequence"`
	Status               string          `dynamodbav:"status"`
	ScheduledFlushHandle string          `dynamodbav:"scheduled_flush_handle"`
	Config               batchConfigItem `dynamodbav:"config"`
	CreatedAt            int64           `dynamodbav:"created_at"`
	LastUpdatedAt        int64           `dynamodbav:"last_updated_at"`
	FlushStartedAt       int64           `dynamodbav:"flush_started_at"`
	Version              int64           `dynamodbav:"version"`
}

func marshalBatch(b *model.Batch, version int64) (map[string]types.AttributeValue, error) {
	item := batchItem{
		PK:                   batchPK(b.BaseID),
		SK:                   batchSK(b.Sequence),
		GSI1PK:               batchStatusPK(b.Status),
		GSI1SK:               batchStatusSK(b.BaseID, b.Sequence),
		BaseID:               b.BaseID,
		Sequence:             b.Sequence,
		Status:               string(b.Status),
		ScheduledFlushHandle: b.ScheduledFlushHandle,
		Config: batchConfigItem{
			ProcessBatchRef:         b.Config.ProcessBatchRef,
			ImmediateFlushThreshold: b.Config.ImmediateFlushThreshold,
			MaxBatchSize:            b.Config.MaxBatchSize,
			FlushIntervalMs:         b.Config.FlushIntervalMs,
			HistoryLimit:            b.Config.HistoryLimit,
		},
		CreatedAt:      toUnixNano(b.CreatedAt),
		LastUpdatedAt:  toUnixNano(b.LastUpdatedAt),
		FlushStartedAt: toUnixNano(b.FlushStartedAt),
		Version:        version,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: marshal batch %s: %w", b.ID(), err)
	}
	return av, nil
}

func unmarshalBatch(av map[string]types.AttributeValue) (*model.Batch, int64, error) {
	var item batchItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, 0, fmt.Errorf("dynamostore: unmarshal batch: %w", err)
	}
	b := &model.Batch{
		BaseID:               item.BaseID,
		Sequence:             item.Sequence,
		Status:               model.BatchStatus(item.Status),
		ScheduledFlushHandle: item.ScheduledFlushHandle,
		Config: model.BatchConfig{
			ProcessBatchRef:         item.Config.ProcessBatchRef,
			ImmediateFlushThreshold: item.Config.ImmediateFlushThreshold,
			MaxBatchSize:            item.Config.MaxBatchSize,
			FlushIntervalMs:         item.Config.FlushIntervalMs,
			HistoryLimit:            item.Config.HistoryLimit,
		},
		CreatedAt:      fromUnixNano(item.CreatedAt),
		LastUpdatedAt:  fromUnixNano(item.LastUpdatedAt),
		FlushStartedAt: fromUnixNano(item.FlushStartedAt),
	}
	return b, item.Version, nil
}

type chunkItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	ChunkID   string `dynamodbav:"chunk_id"`
	BatchID   string `dynamodbav:"batch_id"`
	Items     []any  `dynamodbav:"items"`
	Count     int    `dynamodbav:"count"`
	CreatedAt int64  `dynamodbav:"created_at"`
	Version   int64  `dynamodbav:"version"`
}

func marshalChunk(c *model.ItemChunk) (map[string]types.AttributeValue, error) {
	item := chunkItem{
		PK:        chunkPK(c.BatchID),
		SK:        chunkSK(c.CreatedAt, c.ChunkID),
		ChunkID:   c.ChunkID,
		BatchID:   c.BatchID,
		Items:     c.Items,
		Count:     c.Count,
		CreatedAt: toUnixNano(c.CreatedAt),
		Version:   1,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: marshal chunk %s: %w", c.ChunkID, err)
	}
	return av, nil
}

func unmarshalChunk(av map[string]types.AttributeValue) (*model.ItemChunk, error) {
	var item chunkItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("dynamostore: unmarshal chunk: %w", err)
	}
	return &model.ItemChunk{
		ChunkID:   item.ChunkID,
		BatchID:   item.BatchID,
		Items:     item.Items,
		Count:     item.Count,
		CreatedAt: fromUnixNano(item.CreatedAt),
	}, nil
}

type historyItem struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	EntryID    string `dynamodbav:"entry_id"`
	BaseID     string `dynamodbav:"base_id"`
	Error      string `dynamodbav:"error"`
	DurationNs int64  `dynamodbav:"duration_ns"`
	ItemCount  int    `dynamodbav:"item_count"`
	Success    bool   `dynamodbav:"success"`
	FlushedAt  int64  `dynamodbav:"flushed_at"`
	Version    int64  `dynamodbav:"version"`
}

func marshalHistory(e *model.FlushHistoryEntry) (map[string]types.AttributeValue, error) {
	item := historyItem{
		PK:         historyPK(e.BaseID),
		SK:         historySK(e.FlushedAt, e.EntryID),
		EntryID:    e.EntryID,
		BaseID:     e.BaseID,
		Error:      e.Error,
		DurationNs: int64(e.Duration),
		ItemCount:  e.ItemCount,
		Success:    e.Success,
		FlushedAt:  toUnixNano(e.FlushedAt),
		Version:    1,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: marshal history entry %s: %w", e.EntryID, err)
	}
	return av, nil
}

func unmarshalHistory(av map[string]types.AttributeValue) (*model.FlushHistoryEntry, error) {
	var item historyItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("dynamostore: unmarshal history entry: %w", err)
	}
	return &model.FlushHistoryEntry{
		EntryID:   item.EntryID,
		BaseID:    item.BaseID,
		Error:     item.Error,
		Duration:  time.Duration(item.DurationNs),
		ItemCount: item.ItemCount,
		Success:   item.Success,
		FlushedAt: fromUnixNano(item.FlushedAt),
	}, nil
}

type iterConfigItem struct {
	FetchPageRef        string `dynamodbav:"fetch_page_ref"`
	ProcessBatchRef     string `dynamodbav:"process_batch_ref"`
	OnCompleteRef       string `dynamodbav:"on_complete_ref"`
	PageSize            int    `dynamodbav:"page_size"`
	DelayBetweenPagesMs int64  `dynamodbav:"delay_between_pages_ms"`
	MaxRetries          int    `dynamodbav:"max_retries"`
}

type jobItem struct {
	PK             string         `dynamodbav:"pk"`
	SK             string         `dynamodbav:"sk"`
	GSI1PK         string         `dynamodbav:"gsi1pk"`
	GSI1SK         string         `dynamodbav:"gsi1sk"`
	JobID          string         `dynamodbav:"job_id"`
	Status         string         `dynamodbav:"status"`
	Cursor         string         `dynamodbav:"cursor"`
	ErrorMessage   string         `dynamodbav:"error_message"`
	Config         iterConfigItem `dynamodbav:"config"`
	ProcessedCount int            `dynamodbav:"processed_count"`
	RetryCount     int            `dynamodbav:"retry_count"`
	CreatedAt      int64          `dynamodbav:"created_at"`
	LastRunAt      int64          `dynamodbav:"last_run_at"`
	Version        int64          `dynamodbav:"version"`
}

func marshalJob(j *model.IteratorJob, version int64) (map[string]types.AttributeValue, error) {
	item := jobItem{
		PK:           jobPK(j.JobID),
		SK:           jobSortKey,
		GSI1PK:       jobStatusPK(j.Status),
		GSI1SK:       jobStatusSK(j.CreatedAt, j.JobID),
		JobID:        j.JobID,
		Status:       string(j.Status),
		Cursor:       j.Cursor,
		ErrorMessage: j.ErrorMessage,
		Config: iterConfigItem{
			FetchPageRef:        j.Config.FetchPageRef,
			ProcessBatchRef:     j.Config.ProcessBatchRef,
			OnCompleteRef:       j.Config.OnCompleteRef,
			PageSize:            j.Config.PageSize,
			DelayBetweenPagesMs: j.Config.DelayBetweenPagesMs,
			MaxRetries:          j.Config.MaxRetries,
		},
		ProcessedCount: j.ProcessedCount,
		RetryCount:     j.RetryCount,
		CreatedAt:      toUnixNano(j.CreatedAt),
		LastRunAt:      toUnixNano(j.LastRunAt),
		Version:        version,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: marshal job %s: %w", j.JobID, err)
	}
	return av, nil
}

func unmarshalJob(av map[string]types.AttributeValue) (*model.IteratorJob, int64, error) {
	var item jobItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, 0, fmt.Errorf("dynamostore: unmarshal job: %w", err)
	}
	j := &model.IteratorJob{
		JobID:        item.JobID,
		Status:       model.JobStatus(item.Status),
		Cursor:       item.Cursor,
		ErrorMessage: item.ErrorMessage,
		Config: model.IteratorConfig{
			FetchPageRef:        item.Config.FetchPageRef,
			ProcessBatchRef:     item.Config.ProcessBatchRef,
			OnCompleteRef:       item.Config.OnCompleteRef,
			PageSize:            item.Config.PageSize,
			DelayBetweenPagesMs: item.Config.DelayBetweenPagesMs,
			MaxRetries:          item.Config.MaxRetries,
		},
		ProcessedCount: item.ProcessedCount,
		RetryCount:     item.RetryCount,
		CreatedAt:      fromUnixNano(item.CreatedAt),
		LastRunAt:      fromUnixNano(item.LastRunAt),
	}
	return j, item.Version, nil
}
