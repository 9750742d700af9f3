// Package batchtheory provides two persistent concurrency primitives on top
// of a transactional document store: a batch accumulator that collects items
// from many concurrent producers and flushes them on size or time triggers,
// and a table iterator that walks a large collection page by page with
// pause/resume/cancel control.
//
// The primitives survive process restarts because all state lives in the
// store; the in-process pieces are only the callback registry and the timer
// scheduler.
package batchtheory

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/theory-cloud/batchtheory/internal/logctx"
	"github.com/theory-cloud/batchtheory/pkg/accumulator"
	"github.com/theory-cloud/batchtheory/pkg/callback"
	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/iterator"
	"github.com/theory-cloud/batchtheory/pkg/scheduler"
	"github.com/theory-cloud/batchtheory/pkg/session"
	"github.com/theory-cloud/batchtheory/pkg/store"
	"github.com/theory-cloud/batchtheory/pkg/store/dynamostore"
)

// Config assembles a Client. The zero value is not usable: either Store or
// Session.Table must identify where state lives.
type Config struct {
	// Session configures the DynamoDB-backed store. Ignored when Store is set.
	Session *session.Config

	// Store overrides the persistence layer, e.g. with memstore for embedded
	// single-process use.
	Store store.Store

	// Scheduler overrides the timer scheduler. When nil a real timer scheduler
	// is created and owned by the Client.
	Scheduler scheduler.Scheduler

	// Logger, when set, becomes the process default logger for operations that
	// carry no logger in their context.
	Logger *zerolog.Logger
}

// Client is the assembled facade. All state-changing work is delegated to the
// two controllers, which share one store, scheduler, and callback registry.
type Client struct {
	store       store.Store
	sched       scheduler.Scheduler
	callbacks   *callback.Registry
	accumulator *accumulator.Controller
	iterator    *iterator.Controller

	ownedScheduler *scheduler.Timers
}

// New assembles a Client from the configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Logger != nil {
		logctx.SetDefaultLogger(*cfg.Logger)
	}

	st := cfg.Store
	if st == nil {
		sessCfg := cfg.Session
		if sessCfg == nil {
			return nil, fmt.Errorf("%w: either Store or Session is required", errors.ErrInvalidConfig)
		}
		if sessCfg.Table == "" {
			return nil, fmt.Errorf("%w: Session.Table is required", errors.ErrInvalidConfig)
		}
		sess, err := session.NewSession(sessCfg)
		if err != nil {
			return nil, err
		}
		client, err := sess.Client()
		if err != nil {
			return nil, err
		}
		var storeOpts []dynamostore.Option
		if sessCfg.Now != nil {
			storeOpts = append(storeOpts, dynamostore.WithNow(sessCfg.Now))
		}
		st, err = dynamostore.New(client, sessCfg.Table, storeOpts...)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		store:     st,
		callbacks: callback.NewRegistry(),
	}
	if cfg.Scheduler != nil {
		c.sched = cfg.Scheduler
	} else {
		c.ownedScheduler = scheduler.NewTimers()
		c.sched = c.ownedScheduler
	}
	c.accumulator = accumulator.New(c.store, c.sched, c.callbacks)
	c.iterator = iterator.New(c.store, c.sched, c.callbacks)
	return c, nil
}

// Accumulator returns the batch accumulator controller.
func (c *Client) Accumulator() *accumulator.Controller {
	return c.accumulator
}

// Iterator returns the table iterator controller.
func (c *Client) Iterator() *iterator.Controller {
	return c.iterator
}

// Callbacks returns the registry where hosts register their processBatch,
// fetchPage, and onComplete functions before invoking any operation that
// references them.
func (c *Client) Callbacks() *callback.Registry {
	return c.callbacks
}

// Store returns the underlying store, e.g. to run EnsureTable on a
// DynamoDB-backed one.
func (c *Client) Store() store.Store {
	return c.store
}

// Close stops the timer scheduler if the Client owns it and waits for
// in-flight scheduled tasks. Stored state is untouched; pending flushes and
// iterator steps resume from the store on the next start.
func (c *Client) Close() {
	if c.ownedScheduler != nil {
		c.ownedScheduler.Close()
	}
}

// fileConfig is the YAML shape accepted by LoadConfig.
type fileConfig struct {
	AWS *session.Config `yaml:"aws"`
}

// LoadConfig reads a YAML configuration file. Only the AWS session settings
// are file-configurable; stores, schedulers, and loggers are wired in code.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", errors.ErrInvalidConfig, path, err)
	}
	cfg := &Config{Session: fc.AWS}
	if cfg.Session == nil {
		cfg.Session = session.DefaultConfig()
	}
	return cfg, nil
}
