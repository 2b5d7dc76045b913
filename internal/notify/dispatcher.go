package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSendTimeout = 10 * time.Second

// Dispatcher delivers every event to all sinks on background goroutines.
// A failing or panicking sink is logged and never reaches the caller.
type Dispatcher struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger.Named("notify"),
		timeout: defaultSendTimeout,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	d.logger.Debug("Dispatching event",
		zap.String("kind", string(event.Kind)),
		zap.String("title", event.Title),
		zap.String("symbol", event.Symbol),
	)

	// Delivery outlives the tick that raised the event.
	base := context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Notification sink panicked",
						zap.String("sink", sink.Name()), zap.Any("panic", r))
				}
			}()

			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := sink.Send(sendCtx, event); err != nil {
				d.logger.Warn("Notification delivery failed",
					zap.String("sink", sink.Name()),
					zap.String("kind", string(event.Kind)),
					zap.Error(err),
				)
			}
		}(sink)
	}
}

// Wait blocks until all in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifications still in flight: %w", ctx.Err())
	}
}
