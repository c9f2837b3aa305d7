package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"creativepipe/internal/blob"
	"creativepipe/internal/bus"
	"creativepipe/internal/claim"
	"creativepipe/internal/config"
	"creativepipe/internal/events"
	"creativepipe/internal/gateway"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/notifications"
	"creativepipe/internal/orchestrator"
	"creativepipe/internal/services/imagegen"
	"creativepipe/internal/stage"
	"creativepipe/internal/store"
)

// Options selects what this process runs.
type Options struct {
	// Stages to consume. Empty runs every stage.
	Stages []string
	// Gateway serves the HTTP API and runs the stale-campaign scanner.
	Gateway bool
	// LLM and Images replace the configured generator clients.
	LLM    Completer
	Images imagegen.Generator
	// Metrics is shared with the caller when set.
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Daemon owns the backends and runs workers, gateway, and scanner together.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger
	clock  func() time.Time

	bus      bus.Bus
	store    store.Store
	blobs    blob.Store
	ledger   claim.Ledger
	closers  []io.Closer
	metrics  *metrics.Metrics
	notifier notifications.Service
	owner    string

	trigger *orchestrator.Trigger
	scanner *orchestrator.StaleScanner
	server  *gateway.Server
	workers []runner

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Stages       []stage.Health
	Gateway      string
	LockFilePath string
}

// New opens every configured backend and builds the selected workers.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if len(opts.Stages) == 0 {
		opts.Stages = append([]string(nil), events.Stages...)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		notifier: notifications.NewService(cfg),
		owner:    claim.NewOwner(),
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	d.lockPath = filepath.Join(cfg.Paths.DataDir, lockName(opts))
	d.lock = flock.New(d.lockPath)

	if err := d.open(ctx, logger); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) open(ctx context.Context, logger *zap.Logger) error {
	st, err := OpenStore(ctx, d.cfg)
	if err != nil {
		return err
	}
	d.store = st
	d.closers = append(d.closers, st)

	b, err := openBus(d.cfg, d.handleBusDeadLetter, logger)
	if err != nil {
		return err
	}
	d.bus = b
	d.closers = append(d.closers, b)

	if d.blobs, err = openBlobs(ctx, d.cfg); err != nil {
		return err
	}

	ledger, closer, err := openLedger(ctx, d.cfg, st)
	if err != nil {
		return err
	}
	d.ledger = ledger
	if closer != nil {
		d.closers = append(d.closers, closer)
	}

	if d.workers, err = d.buildWorkers(); err != nil {
		return err
	}

	if d.opts.Gateway {
		d.trigger = orchestrator.NewTrigger(d.bus, d.store, d.notifier, d.metrics, logger)
		d.scanner = orchestrator.NewStaleScanner(d.store, d.notifier, logger,
			d.cfg.Pipeline.StaleAfter(),
			time.Duration(d.cfg.Pipeline.StaleScanSeconds)*time.Second,
		)
		d.server = gateway.New(gateway.Deps{
			Store:       d.store,
			Launcher:    d.trigger,
			Publisher:   d.bus,
			Blobs:       d.blobs,
			Metrics:     d.metrics,
			Logger:      logger,
			Clock:       d.clock,
			BodyLimitKB: d.cfg.Gateway.BodyLimitKB,
			PresignTTL:  d.cfg.PresignTTL(),
			StaleAfter:  d.cfg.Pipeline.StaleAfter(),
		})
	}
	return nil
}

// lockName is per stage set so split deployments can share a data dir.
func lockName(opts Options) string {
	if len(opts.Stages) == len(events.Stages) && opts.Gateway {
		return "creativepiped.lock"
	}
	parts := append([]string(nil), opts.Stages...)
	if opts.Gateway {
		parts = append(parts, "gateway")
	}
	return "creativepiped-" + strings.Join(parts, "-") + ".lock"
}

// Start acquires the lock, declares streams, and launches every component in
// the background. Wait blocks until they stop.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another creativepiped instance already holds %s", d.lockPath)
	}

	if err := d.bus.EnsureStreams(ctx, events.AllBindings()); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("ensure streams: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, w := range d.workers {
		w := w
		group.Go(func() error {
			if err := w.Run(groupCtx, d.bus); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stage %s: %w", w.Name(), err)
			}
			return nil
		})
	}
	if d.server != nil {
		group.Go(func() error { return d.server.Run(groupCtx, d.cfg.Gateway.Bind) })
	}
	if d.scanner != nil {
		group.Go(func() error { return d.scanner.Run(groupCtx) })
	}

	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.runErr = nil
	done := d.done
	d.mu.Unlock()

	go func() {
		err := group.Wait()
		if d.trigger != nil {
			d.trigger.Wait()
		}
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		close(done)
	}()

	d.running.Store(true)
	d.logger.Info("creativepipe daemon started",
		zap.Strings("stages", d.opts.Stages),
		zap.Bool("gateway", d.server != nil),
		zap.String("bus", d.cfg.Bus.Backend),
		zap.String("store", d.cfg.Store.Backend),
		zap.String("blob", d.cfg.Blob.Backend),
		zap.String("claims", d.cfg.Claims.Backend),
		zap.String("lock", d.lockPath),
	)
	return nil
}

// Wait blocks until every component has stopped and returns the first failure.
func (d *Daemon) Wait() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

// Stop cancels the components, waits for in-flight deliveries to settle, and
// releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := d.Wait(); err != nil {
		d.logger.Warn("daemon component stopped with error", zap.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", zap.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("creativepipe daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	status := Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
	}
	for _, w := range d.workers {
		status.Stages = append(status.Stages, w.Health())
	}
	if d.server != nil {
		status.Gateway = d.cfg.Gateway.Bind
	}
	return status
}

// Store exposes the campaign store, mainly for tests and the CLI.
func (d *Daemon) Store() store.Store { return d.store }

// Bus exposes the message bus.
func (d *Daemon) Bus() bus.Bus { return d.bus }

// Gateway returns the HTTP server, or nil when the gateway is disabled.
func (d *Daemon) Gateway() *gateway.Server { return d.server }

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, notifications.Payload{}); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
