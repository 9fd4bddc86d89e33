package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSyncTimeout bounds a single Sync network attempt
const DefaultSyncTimeout = 10 * time.Second

// Config is the reporter's identity and limits
type Config struct {
	// ServerAddress is the base URL of the collection server
	ServerAddress string

	// Secret authenticates this reporter with the server
	Secret string

	// Environment tag, e.g. "production"
	Environment string

	// Project identifies the reporting application
	Project string

	// ServerName identifies this host (default: os.Hostname)
	ServerName string

	// ItemLimit is the queue capacity. Zero retains nothing.
	ItemLimit int

	// SyncTimeout bounds each Sync attempt (default: 10s)
	SyncTimeout time.Duration

	// CaptureStack attaches the reporting goroutine's stack to each record
	CaptureStack bool
}

func (c Config) withDefaults() Config {
	if c.ItemLimit < 0 {
		c.ItemLimit = 0
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.ServerName == "" {
		if host, err := os.Hostname(); err == nil {
			c.ServerName = host
		}
	}
	return c
}

// SyncStatus is the outcome of a Sync call
type SyncStatus string

const (
	// SyncSent means a batch was accepted and removed from the queue
	SyncSent SyncStatus = "sent"
	// SyncEmpty means there was nothing to send
	SyncEmpty SyncStatus = "empty"
	// SyncSkipped means another Sync was already in flight
	SyncSkipped SyncStatus = "skipped"
	// SyncFailed means the batch was not accepted; the queue is unchanged
	SyncFailed SyncStatus = "failed"
)

// SyncResult describes one Sync call
type SyncResult struct {
	Status    SyncStatus    `json:"status"`
	Sent      int           `json:"sent"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// Option configures a Reporter
type Option func(*Reporter)

// WithTransport sets the collaborator used to transmit batches
func WithTransport(t Transport) Option {
	return func(r *Reporter) {
		if t != nil {
			r.transport = t
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *Metrics) Option {
	return func(r *Reporter) {
		r.metrics = m
	}
}

// WithClock overrides time.Now (tests)
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPassthrough registers error types that only wrap another error; records
// are classified by what they wrap. Pass a sample value of each type.
func WithPassthrough(samples ...error) Option {
	return func(r *Reporter) {
		r.passthrough.add(samples...)
	}
}

// Reporter captures errors into a bounded queue and drains it to a collector.
// All methods are safe for concurrent use.
type Reporter struct {
	mu  sync.RWMutex
	cfg Config

	queue       *BoundedQueue
	transport   Transport
	syncing     atomic.Bool
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	passthrough *passthroughSet
}

// New creates a reporter. It is meant to be built once at startup and passed
// to whatever needs to report or sync.
func New(cfg Config, opts ...Option) *Reporter {
	cfg = cfg.withDefaults()

	r := &Reporter{
		cfg:         cfg,
		queue:       NewBoundedQueue(cfg.ItemLimit),
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		passthrough: defaultPassthrough.clone(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.transport == nil {
		r.transport = NewHTTPTransport(HTTPTransportConfig{Logger: r.logger})
	}

	return r
}

// Report captures err with a caller supplied message. It never blocks on the
// network and never fails; a nil or misbehaving error is recorded as "unknown".
func (r *Reporter) Report(err error, message string) {
	r.capture(context.Background(), r.faultFor(err), message)
}

// ReportContext is Report plus any fields attached to ctx with WithField
func (r *Reporter) ReportContext(ctx context.Context, err error, message string) {
	r.capture(ctx, r.faultFor(err), message)
}

// ReportFault captures an arbitrary Fault
func (r *Reporter) ReportFault(f Fault, message string) {
	r.capture(context.Background(), f, message)
}

func (r *Reporter) faultFor(err error) Fault {
	if err == nil {
		return nil
	}
	return errorFault{err: err, pass: r.passthrough}
}

func (r *Reporter) capture(ctx context.Context, f Fault, message string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("capture failed", "panic", fmt.Sprint(p))
		}
	}()

	cfg := r.Config()

	meta := make(map[string]string)
	if desc := safeDescription(f); desc != "" {
		meta[MetaDescription] = desc
	}
	if cause := safeCause(f); cause != "" {
		meta[MetaCause] = cause
	}
	if cfg.CaptureStack {
		meta[MetaBacktrace] = captureStack(1)
	}
	for k, v := range Fields(ctx) {
		meta[MetaContextPrefix+k] = v
	}

	rec := NewRecord(safeClassification(f), message, r.now(), meta)
	r.enqueue(rec)
}

// Enqueue adds already-built records, oldest first, e.g. from a spool
// directory or a spill store. Records without an ID get one.
func (r *Reporter) Enqueue(records ...Record) int {
	var evicted int
	for _, rec := range records {
		if rec.ID == "" {
			rec = NewRecord(rec.Title, rec.Message, rec.OccurredAt, rec.Metadata)
		}
		evicted += r.enqueue(rec)
	}
	return evicted
}

func (r *Reporter) enqueue(rec Record) int {
	evicted := r.queue.Enqueue(rec)

	r.metrics.RecordCaptured()
	r.metrics.RecordEvicted(evicted)
	r.metrics.UpdateDepth(r.queue.Len())

	if evicted > 0 {
		r.logger.Debug("queue full, evicted oldest records",
			"evicted", evicted,
			"limit", r.queue.Limit(),
		)
	}
	return evicted
}

// Sync sends the queued records to the collector in capture order. Only the
// records present when the call started are removed, and only if the whole
// batch is accepted. A call made while another is in flight returns
// SyncSkipped without transmitting.
func (r *Reporter) Sync(ctx context.Context) (SyncResult, error) {
	if !r.syncing.CompareAndSwap(false, true) {
		res := SyncResult{Status: SyncSkipped, Remaining: r.queue.Len()}
		r.metrics.RecordSync(res)
		r.logger.Debug("sync already in progress")
		return res, nil
	}
	defer r.syncing.Store(false)

	snapshot := r.queue.Snapshot()
	if len(snapshot) == 0 {
		res := SyncResult{Status: SyncEmpty}
		r.metrics.RecordSync(res)
		return res, nil
	}

	cfg := r.Config()
	if cfg.ServerAddress == "" {
		res := SyncResult{Status: SyncFailed, Remaining: len(snapshot)}
		r.metrics.RecordSync(res)
		return res, ErrNotConfigured
	}

	batch := NewBatch(cfg, snapshot, r.now())

	sendCtx, cancel := context.WithTimeout(ctx, cfg.SyncTimeout)
	defer cancel()

	start := r.now()
	err := r.transport.Send(sendCtx, Endpoint{ServerAddress: cfg.ServerAddress, Secret: cfg.Secret}, batch)
	elapsed := r.now().Sub(start)

	// A send that returned nil after the deadline is still treated as failed
	if err == nil && sendCtx.Err() != nil {
		err = sendCtx.Err()
	}

	if err != nil {
		res := SyncResult{Status: SyncFailed, Remaining: r.queue.Len(), Duration: elapsed}
		r.metrics.RecordSync(res)
		r.logger.Warn("sync failed",
			"records", len(snapshot),
			"server", cfg.ServerAddress,
			"error", err,
		)
		return res, &TransportError{Server: cfg.ServerAddress, Records: len(snapshot), Err: err}
	}

	removed := r.queue.RemoveSynced(batch.IDs())
	res := SyncResult{
		Status:    SyncSent,
		Sent:      len(snapshot),
		Remaining: r.queue.Len(),
		Duration:  elapsed,
	}
	r.metrics.RecordSync(res)
	r.metrics.UpdateDepth(res.Remaining)
	r.logger.Info("synced records",
		"records", len(snapshot),
		"removed", removed,
		"remaining", res.Remaining,
		"duration", elapsed,
	)
	return res, nil
}

// Close makes a final sync attempt and returns whatever is still queued so
// the caller can persist it.
func (r *Reporter) Close(ctx context.Context) ([]Record, error) {
	_, err := r.Sync(ctx)
	if errors.Is(err, ErrNotConfigured) {
		err = nil
	}
	return r.queue.Snapshot(), err
}

// Pending returns a copy of the queued records, oldest first
func (r *Reporter) Pending() []Record {
	return r.queue.Snapshot()
}

// Len returns the number of queued records
func (r *Reporter) Len() int {
	return r.queue.Len()
}

// Room returns how many more records fit before the oldest are evicted
func (r *Reporter) Room() int {
	return r.queue.Room()
}

// Syncing reports whether a Sync is in flight
func (r *Reporter) Syncing() bool {
	return r.syncing.Load()
}

// Config returns a copy of the current configuration
func (r *Reporter) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetServerAddress sets the collector base URL used by the next Sync
func (r *Reporter) SetServerAddress(addr string) {
	r.update(func(c *Config) { c.ServerAddress = addr })
}

// SetSecret sets the credential used by the next Sync
func (r *Reporter) SetSecret(secret string) {
	r.update(func(c *Config) { c.Secret = secret })
}

// SetEnvironment sets the environment tag used by the next Sync
func (r *Reporter) SetEnvironment(env string) {
	r.update(func(c *Config) { c.Environment = env })
}

// SetProject sets the project name used by the next Sync
func (r *Reporter) SetProject(project string) {
	r.update(func(c *Config) { c.Project = project })
}

// SetServerName sets the host identity used by the next Sync
func (r *Reporter) SetServerName(name string) {
	r.update(func(c *Config) { c.ServerName = name })
}

// SetSyncTimeout sets the timeout for the next Sync
func (r *Reporter) SetSyncTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSyncTimeout
	}
	r.update(func(c *Config) { c.SyncTimeout = d })
}

// SetCaptureStack toggles backtrace capture for subsequent reports
func (r *Reporter) SetCaptureStack(enabled bool) {
	r.update(func(c *Config) { c.CaptureStack = enabled })
}

// SetItemLimit changes the queue capacity. Lowering it evicts the oldest
// records immediately so the queue never exceeds the limit.
func (r *Reporter) SetItemLimit(limit int) {
	limit = max(limit, 0)

	// Config and queue change under the same lock so readers of Config never
	// see a limit the queue does not enforce yet.
	r.mu.Lock()
	r.cfg.ItemLimit = limit
	evicted := r.queue.SetLimit(limit)
	r.mu.Unlock()

	r.metrics.RecordEvicted(evicted)
	r.metrics.UpdateDepth(r.queue.Len())
}

func (r *Reporter) update(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.cfg)
}
