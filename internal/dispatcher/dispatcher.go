package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildrelay/buildrelay/internal/domain"
	"github.com/buildrelay/buildrelay/internal/observability"
	"github.com/buildrelay/buildrelay/internal/ratelimit"
	"github.com/buildrelay/buildrelay/internal/repository"
	"go.uber.org/zap"
)

// EventSource is the connection to the master coordinator's build event
// stream. Reconnection is the dispatcher's responsibility: Subscribe is
// called again after a Subscription reports an error.
type EventSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription yields build events one at a time. Next blocks until an
// event arrives, the context is cancelled, or the connection drops (any
// other error means the connection is gone).
type Subscription interface {
	Next(ctx context.Context) (domain.BuildEvent, error)
	Close() error
}

// ConfigSource is the registry read path used during dispatch.
type ConfigSource interface {
	EnabledFor(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error)
}

// PluginSource resolves a delivery plugin by channel kind.
type PluginSource interface {
	Lookup(kind domain.ChannelKind) (Plugin, error)
}

// Plugin is the delivery capability the dispatcher invokes. It mirrors
// channel.Plugin's Deliver so the channel table can satisfy it through a
// small adapter without the dispatcher importing HTTP or SMTP machinery.
type Plugin interface {
	Deliver(ctx context.Context, event domain.BuildEvent, settings domain.Settings) error
}

// State is the dispatcher's connection state, exported for health checks
// and tests.
type State int32

const (
	StateDisconnected State = iota
	StateListening
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateTerminated:
		return "terminated"
	default:
		return "disconnected"
	}
}

// Options hold the retry and reconnect tuning. The zero value gets the
// documented defaults; none of the constants are contracts.
type Options struct {
	// MaxAttempts bounds delivery calls per (config, event) pair.
	MaxAttempts int
	// RetryBase/RetryCap shape the delivery backoff (exponential, jittered).
	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryJitter time.Duration
	// ReconnectBase/ReconnectCap shape the event source backoff.
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	ReconnectJitter time.Duration
	// DrainGrace bounds how long shutdown waits for in-flight deliveries.
	DrainGrace time.Duration
}

const (
	defaultMaxAttempts     = 3
	defaultRetryBase       = 5 * time.Second
	defaultRetryCap        = 5 * time.Minute
	defaultRetryJitter     = time.Second
	defaultReconnectBase   = time.Second
	defaultReconnectCap    = 60 * time.Second
	defaultReconnectJitter = 500 * time.Millisecond
	defaultDrainGrace      = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryCap <= 0 {
		o.RetryCap = defaultRetryCap
	}
	if o.RetryJitter < 0 {
		o.RetryJitter = defaultRetryJitter
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = defaultReconnectBase
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = defaultReconnectCap
	}
	if o.ReconnectJitter < 0 {
		o.ReconnectJitter = defaultReconnectJitter
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = defaultDrainGrace
	}
	return o
}

// Dispatcher consumes the build event stream and fans terminal events out
// to every enabled channel config of the event's repository. Delivery
// tasks are fire-and-forget but tracked, so shutdown can drain them.
type Dispatcher struct {
	source   EventSource
	configs  ConfigSource
	attempts repository.AttemptRepository
	plugins  PluginSource
	limiter  ratelimit.RateLimiter
	logger   *zap.Logger
	metrics  *observability.Metrics
	opts     Options

	state atomic.Int32

	tasks    sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]struct{}

	now      func() time.Time
	randIntn func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(
	source EventSource,
	configs ConfigSource,
	attempts repository.AttemptRepository,
	plugins PluginSource,
	limiter ratelimit.RateLimiter,
	opts Options,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if configs == nil {
		return nil, fmt.Errorf("config source is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if plugins == nil {
		return nil, fmt.Errorf("plugin source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		source:   source,
		configs:  configs,
		attempts: attempts,
		plugins:  plugins,
		limiter:  limiter,
		logger:   logger,
		opts:     opts.withDefaults(),
		inflight: make(map[string]struct{}),
		now:      time.Now,
		randIntn: rand.Intn,
		sleep:    sleepWithContext,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// State reports the current connection state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Run consumes the event stream until the context is cancelled, then
// drains in-flight deliveries for at most DrainGrace. Stream loss is never
// fatal: the dispatcher reconnects with bounded exponential backoff.
func (d *Dispatcher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Delivery tasks outlive the consumption loop during drain, so they
	// run on their own cancellable context.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	backoff := d.opts.ReconnectBase
	for {
		if ctx.Err() != nil {
			break
		}

		sub, err := d.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Warn("event source subscribe failed",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			if d.metrics != nil {
				d.metrics.IncReconnect()
			}
			if err := d.sleep(ctx, d.jittered(backoff, d.opts.ReconnectJitter)); err != nil {
				break
			}
			backoff = nextBackoff(backoff, d.opts.ReconnectCap)
			continue
		}

		backoff = d.opts.ReconnectBase
		d.state.Store(int32(StateListening))
		d.logger.Info("listening for build events")

		d.consume(ctx, taskCtx, sub)
		_ = sub.Close()
		d.state.Store(int32(StateDisconnected))

		if ctx.Err() == nil {
			d.logger.Warn("event source disconnected, reconnecting")
			if d.metrics != nil {
				d.metrics.IncReconnect()
			}
			if err := d.sleep(ctx, d.jittered(backoff, d.opts.ReconnectJitter)); err != nil {
				break
			}
			backoff = nextBackoff(backoff, d.opts.ReconnectCap)
		}
	}

	d.drain(cancelTasks)
	d.state.Store(int32(StateTerminated))
	return nil
}

func (d *Dispatcher) consume(ctx context.Context, taskCtx context.Context, sub Subscription) {
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("event stream read failed", zap.Error(err))
			}
			return
		}

		d.dispatch(ctx, taskCtx, event)
	}
}

// dispatch resolves enabled configs for the event's repository and spawns
// one tracked delivery task per config. It never blocks on delivery
// completion.
func (d *Dispatcher) dispatch(ctx context.Context, taskCtx context.Context, event domain.BuildEvent) {
	if err := event.Validate(); err != nil {
		d.logger.Warn("discarding invalid build event", zap.Error(err))
		return
	}

	if d.metrics != nil {
		d.metrics.IncEventReceived(event.Status.String())
	}

	if !event.Status.IsTerminal() {
		return
	}

	configs, err := d.configs.EnabledFor(ctx, event.RepositoryID)
	if err != nil {
		// Storage trouble skips this event's dispatch; the process and the
		// stream keep going.
		d.logger.Error("enabled config lookup failed, skipping event",
			zap.String("repositoryId", event.RepositoryID),
			zap.String("buildId", event.BuildID),
			zap.Error(err),
		)
		return
	}

	for i := range configs {
		config := configs[i]

		plugin, err := d.plugins.Lookup(config.Kind)
		if err != nil {
			d.logger.Warn("config references unregistered channel kind",
				zap.String("configId", config.ID),
				zap.String("kind", config.Kind.String()),
			)
			continue
		}

		if !d.acquire(config.ID, event.BuildID) {
			// An attempt for this pair is still in flight; attempts for the
			// same pair are strictly sequential.
			d.logger.Warn("delivery already in flight, skipping",
				zap.String("configId", config.ID),
				zap.String("buildId", event.BuildID),
			)
			continue
		}

		d.tasks.Add(1)
		go func(config domain.NotificationConfig) {
			defer d.tasks.Done()
			defer d.release(config.ID, event.BuildID)
			d.deliver(taskCtx, config, event, plugin)
		}(config)
	}
}

func (d *Dispatcher) drain(cancelTasks context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		d.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("all delivery tasks drained")
	case <-time.After(d.opts.DrainGrace):
		d.logger.Warn("drain grace elapsed, abandoning in-flight deliveries",
			zap.Duration("grace", d.opts.DrainGrace),
		)
		cancelTasks()
		<-done
	}
}

func (d *Dispatcher) acquire(configID, buildID string) bool {
	key := configID + "\x00" + buildID
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.inflight[key]; exists {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(configID, buildID string) {
	key := configID + "\x00" + buildID
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

func (d *Dispatcher) jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 || d.randIntn == nil {
		return base
	}
	return base + time.Duration(d.randIntn(int(jitter/time.Millisecond)+1))*time.Millisecond
}

func nextBackoff(current, cap time.Duration) time.Duration {
	next := current * 2
	if next > cap {
		next = cap
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
