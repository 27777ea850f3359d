// Package agent composes the device side: local store, offline queue,
// connectivity monitor, session gate and live queries.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"reliefsync/internal/client"
	"reliefsync/internal/config"
	"reliefsync/internal/live"
	"reliefsync/internal/localstore"
	"reliefsync/internal/model"
	"reliefsync/internal/netstatus"
	"reliefsync/internal/queue"
	"reliefsync/internal/session"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
)

// Submission is the outcome of Submit
type Submission struct {
	ID       string `json:"id"`
	Queued   bool   `json:"queued"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

type Agent struct {
	cfg      config.Agent
	log      *zap.Logger
	store    *localstore.Store
	client   *client.Client
	queue    *queue.Queue
	uploader queue.MediaUploader
	monitor  *netstatus.Monitor
	gate     *session.Gate
	registry *prometheus.Registry

	kick       chan struct{}
	foreground atomic.Bool

	notifyMu sync.RWMutex
	notify   queue.Notifier

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the local store at cfg.DataPath and restores any saved session
func New(cfg config.Agent, log *zap.Logger) (*Agent, error) {
	store, err := localstore.Open(cfg.DataPath)
	if err != nil {
		return nil, err
	}

	c := client.New(cfg.ServerURL, log.Named("client"))
	a := &Agent{
		cfg:      cfg,
		log:      log,
		store:    store,
		client:   c,
		uploader: client.MediaUploader{Client: c, Preset: cfg.UploadPreset},
		registry: prometheus.NewRegistry(),
		kick:     make(chan struct{}, 1),
	}

	a.queue = queue.New(store, c, log.Named("queue"))
	a.queue.SetUploader(a.uploader)
	a.queue.SetMetrics(queue.NewMetrics(a.registry))
	a.queue.SetNotifier(a.flushed)

	a.monitor = netstatus.NewMonitor(c, cfg.ProbeInterval, cfg.ProbeTimeout, log.Named("netstatus"))
	a.monitor.OnChange(a.connectivityChanged)

	a.gate = session.NewGate(c, store, log.Named("session"))
	if _, err := a.gate.Restore(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) Gate() *session.Gate {
	return a.gate
}

func (a *Agent) Client() *client.Client {
	return a.client
}

// Registry holds the agent's queue metrics
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// Online reports the last known connectivity
func (a *Agent) Online() bool {
	return a.monitor.Online()
}

// SetNotifier receives the summary of every flush that ran
func (a *Agent) SetNotifier(n queue.Notifier) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	a.notify = n
}

// SetForeground enables or pauses the periodic flush
func (a *Agent) SetForeground(fg bool) {
	if a.foreground.Swap(fg) != fg {
		a.log.Debug("Foreground changed", zap.Bool("foreground", fg))
	}
}

// Start runs the connectivity monitor, the flush worker and the flush schedule.
// A flush is triggered immediately.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent already running")
	}

	c := cron.New()
	if a.cfg.FlushEvery > 0 {
		if _, err := c.AddFunc("@every "+a.cfg.FlushEvery.String(), a.scheduledFlush); err != nil {
			return fmt.Errorf("failed to schedule flush: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.flushLoop(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.monitor.Run(runCtx)
	}()
	c.Start()
	a.trigger()

	a.cron = c
	a.cancel = cancel
	a.running = true
	a.log.Info("Agent started",
		zap.String("server", a.client.BaseURL()),
		zap.Duration("flush_every", a.cfg.FlushEvery),
	)
	return nil
}

// Stop halts background work and waits for a running flush to finish
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	<-a.cron.Stop().Done()
	a.cancel()
	a.wg.Wait()
	a.running = false
	a.log.Info("Agent stopped")
}

// Close stops the agent and closes the local store
func (a *Agent) Close() error {
	a.Stop()
	return a.store.Close()
}

// FlushNow delivers the queue synchronously
func (a *Agent) FlushNow(ctx context.Context) queue.Report {
	return a.queue.Flush(ctx)
}

func (a *Agent) Enqueue(ctx context.Context, rec queue.Record) (queue.Record, error) {
	return a.queue.Enqueue(ctx, rec)
}

func (a *Agent) PendingCount(ctx context.Context) (int, error) {
	return a.queue.PendingCount(ctx)
}

func (a *Agent) Pending(ctx context.Context) ([]queue.Record, error) {
	return a.queue.Pending(ctx)
}

// Submit writes the record straight to the server when online and queues it
// otherwise or when the write fails. Submissions the server rejects as invalid
// are returned as errors and not queued.
func (a *Agent) Submit(ctx context.Context, rec queue.Record) (Submission, error) {
	if rec.Collection == "" {
		return Submission{}, fmt.Errorf("%w: collection required", queue.ErrInvalidRecord)
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	data := make(map[string]interface{}, len(rec.Data))
	for k, v := range rec.Data {
		data[k] = v
	}
	rec.Data = data

	if a.monitor.Online() {
		err := a.deliver(ctx, &rec)
		if err == nil {
			a.log.Info("Submitted",
				zap.String("id", rec.ID),
				zap.String("collection", rec.Collection),
			)
			return Submission{ID: rec.ID, MediaURL: rec.MediaURL}, nil
		}
		if rejected(err) {
			return Submission{}, err
		}
		a.log.Warn("Direct write failed, queueing", zap.String("id", rec.ID), zap.Error(err))
	}

	queued, err := a.queue.Enqueue(ctx, rec)
	if err != nil {
		return Submission{}, err
	}
	return Submission{ID: queued.ID, Queued: true, MediaURL: queued.MediaURL}, nil
}

func (a *Agent) deliver(ctx context.Context, rec *queue.Record) error {
	if rec.MediaPath != "" && rec.MediaURL == "" {
		url, err := a.uploader.UploadMedia(ctx, rec.MediaPath)
		if err != nil {
			return fmt.Errorf("failed to upload media: %w", err)
		}
		rec.MediaURL = url
		queue.AttachMedia(rec, url)
	}
	_, err := a.client.PutDocument(ctx, rec.Collection, rec.ID, rec.Data)
	return err
}

// rejected reports whether the server refused the submission itself, as opposed
// to being unreachable or refusing the credentials.
func rejected(err error) bool {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}

// Watch keeps a live query open while a user is signed in and calls fn with
// each snapshot. Signing out closes it and signing in reopens it. Dropped
// connections are retried with backoff. Watch returns when ctx is done.
func (a *Agent) Watch(ctx context.Context, q live.Query, fn func(live.Snapshot)) error {
	if err := q.Validate(); err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		cancel context.CancelFunc
		closed bool
		wg     sync.WaitGroup
	)
	stop := func() {
		if cancel != nil {
			cancel()
			cancel = nil
		}
	}

	unobserve := a.gate.Observe(func(id *model.Identity) {
		mu.Lock()
		defer mu.Unlock()
		stop()
		if closed {
			return
		}
		if id == nil {
			a.log.Info("Signed out, live query closed", zap.String("collection", q.Collection))
			return
		}
		subCtx, c := context.WithCancel(ctx)
		cancel = c
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.subscribe(subCtx, q, fn)
		}()
	})

	<-ctx.Done()
	unobserve()
	mu.Lock()
	closed = true
	stop()
	mu.Unlock()
	wg.Wait()
	return ctx.Err()
}

func (a *Agent) subscribe(ctx context.Context, q live.Query, fn func(live.Snapshot)) {
	backoff := retry.WithCappedDuration(reconnectCap, retry.NewExponential(reconnectBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := a.client.Subscribe(ctx, q, fn)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, client.ErrNotSignedIn) {
			return err
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == 0 || apiErr.Status == http.StatusUnauthorized) {
			// Refused by the server rather than dropped
			return err
		}
		a.log.Warn("Live query dropped, reconnecting", zap.String("collection", q.Collection), zap.Error(err))
		return retry.RetryableError(err)
	})
	if err != nil && ctx.Err() == nil {
		a.log.Error("Live query stopped", zap.String("collection", q.Collection), zap.Error(err))
	}
}

func (a *Agent) connectivityChanged(up bool) {
	if !up {
		return
	}
	a.log.Info("Back online, flushing queue")
	a.trigger()
}

func (a *Agent) scheduledFlush() {
	if !a.foreground.Load() {
		return
	}
	if !a.monitor.Online() {
		a.log.Debug("Skipping scheduled flush while offline")
		return
	}
	a.trigger()
}

func (a *Agent) trigger() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kick:
			a.queue.Flush(ctx)
		}
	}
}

func (a *Agent) flushed(r queue.Report) {
	a.notifyMu.RLock()
	n := a.notify
	a.notifyMu.RUnlock()
	if n != nil && (r.Attempted > 0 || r.Skipped) {
		n(r)
	}
}
