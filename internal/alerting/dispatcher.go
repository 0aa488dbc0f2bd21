// internal/alerting/dispatcher.go
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HistorySize is how many alerts the dispatcher keeps.
const HistorySize = 100

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Accepts(Severity) bool
	Send(ctx context.Context, alert Alert) error
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	SendTimeout time.Duration
	// BreakerFailures trips a channel's breaker after this many consecutive
	// failed sends.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SendTimeout:     5 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}
}

type guardedChannel struct {
	Channel
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher records every alert in a bounded history and sends it to each
// channel that accepts its severity. Sends never block the caller.
type Dispatcher struct {
	config   DispatcherConfig
	channels []*guardedChannel
	logger   *zap.Logger

	mu      sync.Mutex
	history [HistorySize]Alert
	next    int
	count   int

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(config DispatcherConfig, logger *zap.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}

	d := &Dispatcher{config: config, logger: logger}
	for _, ch := range channels {
		name := ch.Name()
		d.channels = append(d.channels, &guardedChannel{
			Channel: ch,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    name,
				Timeout: config.BreakerCooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= config.BreakerFailures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("alert channel breaker changed state",
						zap.String("channel", name),
						zap.String("from", from.String()),
						zap.String("to", to.String()))
				},
			}),
		})
	}
	return d
}

// Dispatch records the alert and fans it out asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.Severity == "" {
		alert.Severity = SeverityInfo
	}

	d.record(alert)
	d.log(alert)

	delivered := false
	for _, ch := range d.channels {
		if !ch.Accepts(alert.Severity) {
			continue
		}
		delivered = true
		d.wg.Add(1)
		go d.send(context.WithoutCancel(ctx), ch, alert)
	}
	if alert.Severity == SeverityCritical && !delivered {
		d.logger.Error("critical alert has no paging channel",
			zap.String("type", alert.Type))
	}
}

func (d *Dispatcher) send(ctx context.Context, ch *guardedChannel, alert Alert) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alert channel panicked",
				zap.String("channel", ch.Name()),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	_, err := ch.breaker.Execute(func() (interface{}, error) {
		errCh := make(chan error, 1)
		go func() { errCh <- ch.Send(ctx, alert) }()
		select {
		case err := <-errCh:
			return nil, err
		case <-ctx.Done():
			return nil, fmt.Errorf("send timed out: %w", ctx.Err())
		}
	})
	if err != nil {
		d.logger.Warn("alert delivery failed",
			zap.String("channel", ch.Name()),
			zap.String("alert_id", alert.ID),
			zap.String("type", alert.Type),
			zap.Error(err))
	}
}

func (d *Dispatcher) record(alert Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history[d.next] = alert
	d.next = (d.next + 1) % HistorySize
	if d.count < HistorySize {
		d.count++
	}
}

func (d *Dispatcher) log(alert Alert) {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", alert.Type),
		zap.String("severity", string(alert.Severity)),
		zap.Any("details", alert.Details),
	}
	switch alert.Severity {
	case SeverityCritical:
		d.logger.Error(alert.Message, fields...)
	case SeverityWarning:
		d.logger.Warn(alert.Message, fields...)
	default:
		d.logger.Info(alert.Message, fields...)
	}
}

// History returns up to limit of the most recent alerts, oldest first.
// A non-positive limit returns the whole buffer.
func (d *Dispatcher) History(limit int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > d.count {
		limit = d.count
	}
	out := make([]Alert, 0, limit)
	start := (d.next - limit + HistorySize) % HistorySize
	for i := 0; i < limit; i++ {
		out = append(out, d.history[(start+i)%HistorySize])
	}
	return out
}

// Wait blocks until all in-flight sends have finished or timed out.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
