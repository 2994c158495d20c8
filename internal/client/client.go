package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/blobsync/internal/blob"
	"github.com/openmined/blobsync/internal/client/config"
	"github.com/openmined/blobsync/internal/client/sync"
	"github.com/openmined/blobsync/internal/client/workspace"
	"github.com/openmined/blobsync/internal/filetree"
	"github.com/openmined/blobsync/internal/hasher"
	"github.com/openmined/blobsync/internal/planner"
	"github.com/openmined/blobsync/internal/snapshot"
	"golang.org/x/sync/errgroup"
)

// Client is the long-lived host object. It is built once from a validated
// config and owns every component the engine talks to.
type Client struct {
	config    *config.Config
	workspace *workspace.Workspace
	store     blob.Store
	tree      *filetree.AferoTree
	ignore    *sync.SyncIgnoreList
	journal   *sync.SyncJournal
	engine    *sync.SyncEngine
	watcher   *filetree.Watcher
	scheduler *sync.ChangeScheduler
}

// New validates cfg and connects the S3 compatible store it names.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := blob.NewS3Store(ctx, &blob.S3Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		MaxRetries:      cfg.Retries(),
		OpTimeout:       time.Duration(cfg.OpTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	return NewWithStore(cfg, store)
}

// NewWithStore builds a client around an existing store. cfg must already be
// validated.
func NewWithStore(cfg *config.Config, store blob.Store) (*Client, error) {
	ws, err := workspace.NewWorkspace(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ignore := sync.NewSyncIgnoreList(ws.Root)
	ignore.Load()

	tree, err := filetree.NewOsTree(ws.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to create file tree: %w", err)
	}
	tree.SetFilter(ignore.Filter)

	h, err := hasher.NewCachedHasher(hasher.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	policy, err := sync.NewConflictPolicy(cfg.ConflictPolicy, tree, nil)
	if err != nil {
		return nil, err
	}

	remoteOnly, err := planner.ParseRemoteOnlyPolicy(cfg.RemoteOnlyPolicy)
	if err != nil {
		return nil, err
	}

	journal := sync.NewSyncJournal(ws.DBPath)

	engine := sync.NewSyncEngine(store, tree, h, journal, sync.Options{
		Concurrency:    cfg.Concurrency,
		ConflictPolicy: policy,
		RemoteOnly:     remoteOnly,
		MaxRetries:     cfg.Retries(),
		Ignore:         ignore.Filter,
	})

	watcher := filetree.NewWatcher(ws.Root)
	watcher.SetFilter(ignore.Filter)

	c := &Client{
		config:    cfg,
		workspace: ws,
		store:     store,
		tree:      tree,
		ignore:    ignore,
		journal:   journal,
		engine:    engine,
		watcher:   watcher,
	}
	c.scheduler = sync.NewChangeScheduler(time.Duration(cfg.Debounce), cfg.IsLeadingEdge(), c.handleEvent)
	return c, nil
}

// ReadHistory returns the most recent sync runs recorded in the journal of
// the folder at rootDir, each with the path failures it left behind. It needs
// neither credentials nor the workspace lock.
func ReadHistory(rootDir string, limit int) ([]RunHistory, error) {
	ws, err := workspace.NewWorkspace(rootDir)
	if err != nil {
		return nil, err
	}

	journal := sync.NewSyncJournal(ws.DBPath)
	if err := journal.Open(); err != nil {
		return nil, err
	}
	defer journal.Close()

	runs, err := journal.Runs(limit)
	if err != nil {
		return nil, err
	}

	history := make([]RunHistory, 0, len(runs))
	for _, run := range runs {
		entry := RunHistory{Run: run}
		if run.Failures > 0 {
			if entry.Failures, err = journal.Failures(run.ID); err != nil {
				return nil, err
			}
		}
		history = append(history, entry)
	}
	return history, nil
}

type RunHistory struct {
	Run      sync.RunRecord
	Failures []sync.PathFailure
}

func (c *Client) Workspace() *workspace.Workspace {
	return c.workspace
}

// Start runs an initial full sync, then follows local changes and the
// periodic full sync until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("blobsync client start", "root", c.workspace.Root, "bucket", c.config.Bucket, "endpoint", c.config.Endpoint)

	if err := c.setup(); err != nil {
		return err
	}
	defer c.teardown()

	slog.Info("running initial sync")
	c.runFullSync(ctx)

	if err := c.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		c.periodicSync(egCtx)
		return nil
	})

	eg.Go(func() error {
		c.handleWatcherEvents(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("received interrupt signal, stopping client")
		c.watcher.Stop()
		c.scheduler.Stop()
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client failure", "error", err)
		return err
	}

	slog.Info("blobsync client stopped")
	return nil
}

// RunOnce performs a single full sync.
func (c *Client) RunOnce(ctx context.Context) (*sync.SyncResult, error) {
	if err := c.setup(); err != nil {
		return nil, err
	}
	defer c.teardown()

	return c.engine.RunFullSync(ctx)
}

// Snapshot reads the committed remote snapshot without touching the workspace.
func (c *Client) Snapshot(ctx context.Context) (snapshot.Remote, error) {
	return snapshot.Load(ctx, c.store)
}

func (c *Client) setup() error {
	if err := c.workspace.Setup(); err != nil {
		return fmt.Errorf("failed to setup workspace: %w", err)
	}
	if err := c.journal.Open(); err != nil {
		_ = c.workspace.Unlock()
		return fmt.Errorf("failed to open sync journal: %w", err)
	}
	return nil
}

func (c *Client) teardown() {
	if err := c.journal.Close(); err != nil {
		slog.Warn("failed to close sync journal", "error", err)
	}
	if err := c.workspace.Unlock(); err != nil {
		slog.Warn("failed to unlock workspace", "error", err)
	}
}

func (c *Client) runFullSync(ctx context.Context) {
	_, err := c.engine.RunFullSync(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, sync.ErrSyncAlreadyRunning):
		slog.Debug("full sync skipped", "reason", err)
	default:
		slog.Error("failed to run sync", "error", err)
	}
}

func (c *Client) periodicSync(ctx context.Context) {
	interval := time.Duration(c.config.FullSyncInterval)

	// a timer, not a ticker, so a slow sync does not queue ticks
	var tick <-chan time.Time
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		tick = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.runFullSync(ctx)
			timer.Reset(interval)
		case <-c.engine.FullSyncNeeded():
			slog.Info("remote changed by another writer, running full sync")
			c.runFullSync(ctx)
		}
	}
}

func (c *Client) handleWatcherEvents(ctx context.Context) {
	events := c.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.scheduler.Submit(ctx, ev) {
				slog.Debug("event coalesced", "event", ev)
			}
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, ev filetree.Event) {
	if _, err := c.engine.HandleEvent(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("failed to sync change", "event", ev, "error", err)
	}
}
