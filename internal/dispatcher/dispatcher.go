package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geoclaim/engine/pkg/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("dispatcher closed")

// HandlerFunc consumes one published event.
type HandlerFunc func(ctx context.Context, e core.Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	name       string
	bufferSize int
	blocking   bool
	logged     bool
}

// Named sets the subscriber name used in logs and metrics.
func Named(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// Buffered makes the handler async with a queue of the given size.
// Events reach the handler in publish order.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type subscriber struct {
	name   string
	handle HandlerFunc
}

// Dispatcher fans published events out to the subscribers of their type.
// Handlers run on the publishing goroutine unless registered Buffered, and
// must not call Subscribe or Close.
type Dispatcher struct {
	subs   map[core.EventType][]subscriber
	logger Logger

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	published metric.Int64Counter
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	mu      sync.RWMutex
	buffers map[string]chan bufferedEvent
	closed  bool
	workers sync.WaitGroup
}

type bufferedEvent struct {
	ctx   context.Context
	event core.Event
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	d := &Dispatcher{
		subs:    make(map[core.EventType][]subscriber),
		buffers: make(map[string]chan bufferedEvent),
		logger:  logger,
	}

	// Get meter from global OTel provider (returns no-op if not configured)
	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events waiting in subscriber queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for name, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("subscriber", name)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.published, err = m.Int64Counter(
		"dispatcher.events.published",
		metric.WithDescription("Total events published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating published counter: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed by buffered subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Subscribe registers h for one event type.
func (d *Dispatcher) Subscribe(eventType core.EventType, h HandlerFunc, opts ...Option) {
	d.subscribe([]core.EventType{eventType}, string(eventType), h, opts)
}

// SubscribeAll registers h for every event type. A buffered handler gets a
// single queue, so it sees events of all types in publish order.
func (d *Dispatcher) SubscribeAll(h HandlerFunc, opts ...Option) {
	d.subscribe(core.AllEventTypes, "all", h, opts)
}

func (d *Dispatcher) subscribe(types []core.EventType, defaultName string, h HandlerFunc, opts []Option) {
	cfg := &config{name: defaultName}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.logged {
		handler = d.withLogging(cfg.name, handler)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(cfg.name, cfg.bufferSize, cfg.blocking, handler)
	}

	for _, t := range types {
		d.subs[t] = append(d.subs[t], subscriber{name: cfg.name, handle: handler})
	}
}

// Publish delivers e to every subscriber of its type. Errors from
// synchronous handlers and full queues are joined; every subscriber is
// still called.
func (d *Dispatcher) Publish(ctx context.Context, e core.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	d.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(e.Type))))

	var errs []error
	for _, s := range d.subs[e.Type] {
		if err := s.handle(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// HasSubscribers returns true if any handler is registered for the type.
func (d *Dispatcher) HasSubscribers(eventType core.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[eventType]) > 0
}

// Close stops accepting events and waits for buffered subscribers to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, buf := range d.buffers {
		close(buf)
	}
	d.mu.Unlock()

	d.workers.Wait()
}

// withBuffer must be called with d.mu held.
func (d *Dispatcher) withBuffer(name string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	if _, taken := d.buffers[name]; taken {
		name = fmt.Sprintf("%s#%d", name, len(d.buffers))
	}
	buffer := make(chan bufferedEvent, size)
	d.buffers[name] = buffer

	nameAttr := attribute.String("subscriber", name)

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for be := range buffer {
			if err := h(be.ctx, be.event); err != nil {
				d.logger.Error("subscriber failed", "subscriber", name, "type", be.event.Type, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(nameAttr))
		}
	}()

	if blocking {
		return func(ctx context.Context, e core.Event) error {
			buffer <- bufferedEvent{ctx: context.WithoutCancel(ctx), event: e}
			return nil
		}
	}

	return func(ctx context.Context, e core.Event) error {
		select {
		case buffer <- bufferedEvent{ctx: context.WithoutCancel(ctx), event: e}:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(nameAttr))
			return fmt.Errorf("queue full: %s", name)
		}
	}
}

func (d *Dispatcher) withLogging(name string, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, e core.Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "subscriber", name, "type", e.Type, "territory", e.Territory.ID)

		err := h(ctx, e)

		if err != nil {
			d.logger.Error("event failed", "subscriber", name, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "subscriber", name, "duration", time.Since(start))
		}

		return err
	}
}
