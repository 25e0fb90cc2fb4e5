package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"remote-desktop-server/internal/audit/domain"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration bounds how long shutdown waits for in-flight async emits before closing sinks.
// Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// Dispatcher runs emits in tracked goroutines so callers are never blocked by a slow sink,
// while shutdown can still wait for in-flight events with Drain.
type Dispatcher struct {
	emitter EventEmitter
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher returns a Dispatcher for emitter. emitter may be nil; EmitAsync is then a no-op.
func NewDispatcher(emitter EventEmitter) *Dispatcher {
	return &Dispatcher{emitter: emitter, timeout: emitTimeout}
}

// EmitAsync runs Emit in a goroutine with a short timeout; errors are logged.
// The goroutine uses context.Background() so caller cancellation does not abort an in-flight emit.
func (d *Dispatcher) EmitAsync(event *domain.SecurityEvent) {
	if d == nil || d.emitter == nil || event == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		emitCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.emitter.Emit(emitCtx, event); err != nil {
			log.Printf("telemetry: async emit %s failed: %v", event.Type, err)
		}
	}()
}

// Drain waits for in-flight emits or until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
