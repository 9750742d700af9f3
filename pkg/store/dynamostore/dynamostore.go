// Package dynamostore implements store.Store on a single DynamoDB table.
//
// Each transaction buffers its writes and commits them through
// TransactWriteItems. Every record carries a version attribute; writes are
// conditioned on the version the transaction read, and point reads that were
// not written become ConditionCheck entries, so any concurrent writer cancels
// the transaction. A cancelled transaction surfaces as ErrWriteConflict and
// the function is re-run with jittered exponential backoff.
package dynamostore

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/batchtheory/internal/lambdautil"
	"github.com/theory-cloud/batchtheory/internal/logctx"
	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses. Tests
// substitute a scripted fake.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// maxTransactItems is the DynamoDB TransactWriteItems limit.
const maxTransactItems = 100

// deadlineBuffer is the minimum remaining Lambda time the store needs before
// it stops sleeping into a retry it cannot finish.
const deadlineBuffer = 2 * time.Second

// RetryPolicy defines the backoff applied between conflicting transaction
// attempts.
type RetryPolicy struct {
	// MaxRetries is the number of re-runs after the first attempt.
	MaxRetries int
	// InitialDelay is the base delay between attempts.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration
	// BackoffFactor controls how quickly the delay grows between attempts.
	BackoffFactor float64
	// Jitter adds randomness (as a fraction between 0 and 1) to each delay.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    7,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

func (p *RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	}
	return time.Duration(d)
}

// Store is a DynamoDB-backed store.Store.
type Store struct {
	client DynamoDBAPI
	table  string
	now    func() time.Time
	retry  *RetryPolicy
}

// Option configures a Store.
type Option func(*Store)

// WithNow injects the clock used for Tx.Now.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryPolicy overrides the conflict retry backoff.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(s *Store) {
		if p != nil {
			s.retry = p
		}
	}
}

// New creates a store over an existing DynamoDB table. See EnsureTable for
// the expected schema.
func New(client DynamoDBAPI, table string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamostore: client is required")
	}
	if table == "" {
		return nil, fmt.Errorf("dynamostore: table name is required")
	}
	s := &Store{
		client: client,
		table:  table,
		now:    time.Now,
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return s.run(ctx, op, fn, false)
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return s.run(ctx, op, fn, true)
}

func (s *Store) run(ctx context.Context, op string, fn func(tx store.Tx) error, readonly bool) error {
	log := logctx.FromContext(ctx).With().Str("op", op).Logger()

	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &tx{
			s:        s,
			ctx:      ctx,
			now:      s.now(),
			readonly: readonly,
			reads:    make(map[string]*trackedRead),
			staged:   make(map[string]*write),
		}
		if err := fn(t); err != nil {
			return err
		}
		err := t.commit(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsWriteConflict(err) {
			return err
		}
		lastErr = err

		delay := s.retry.delay(attempt)
		if remaining, ok := lambdautil.RemainingTime(ctx); ok && remaining < delay+deadlineBuffer {
			return fmt.Errorf("%w: %s has %s left", errors.ErrDeadlineApproaching, op, remaining)
		}
		log.Debug().Int("attempt", attempt+1).Dur("backoff", delay).Msg("write conflict, retrying transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %s gave up after %d attempts: %w",
		errors.ErrRetriesExhausted, op, s.retry.MaxRetries+1, lastErr)
}

// isConflict reports whether a DynamoDB error means a concurrent writer beat
// this transaction. A transaction cancelled for any other reason (throttling,
// validation) is not a conflict and must not be retried as one.
func isConflict(err error) bool {
	var tce *types.TransactionCanceledException
	if stderrors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return true
			}
		}
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if stderrors.As(err, &ccf) {
		return true
	}
	var tco *types.TransactionConflictException
	return stderrors.As(err, &tco)
}
