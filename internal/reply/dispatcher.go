package reply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/clock"
)

// DeliverFunc hands one payload to the channel layer.
type DeliverFunc func(ctx context.Context, p Payload, kind Kind) error

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Deliver          DeliverFunc
	ResponsePrefix   string
	Heartbeat        bool
	HumanDelay       HumanDelay
	OnHeartbeatStrip func()
	OnIdle           func()
	OnError          func(err error, kind Kind)
}

type entry struct {
	kind       Kind
	payload    Payload
	enqueuedAt time.Time
}

// Dispatcher serializes tool, block and final payloads of one agent turn
// into a single ordered delivery stream. At most one Deliver call is in
// flight at any time.
type Dispatcher struct {
	opts   DispatcherOptions
	ctx    context.Context // delivery context
	pacing context.Context // cancelled by Abort
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []entry
	running   bool
	closed    bool
	complete  bool
	idleFired bool
	lastBlock bool // previous dequeued entry was a block reply
	err       error
	idle      chan struct{}
	delivered int

	stripOnce sync.Once
}

// NewDispatcher creates a Dispatcher bound to ctx. Deliveries run with
// ctx; pacing waits are additionally cancelled by Abort.
func NewDispatcher(ctx context.Context, opts DispatcherOptions) *Dispatcher {
	pacing, cancel := context.WithCancel(ctx)
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{
		opts:   opts,
		ctx:    ctx,
		pacing: pacing,
		cancel: cancel,
		idle:   idle,
	}
}

// SendToolResult queues a tool-result payload.
func (d *Dispatcher) SendToolResult(p Payload) bool { return d.enqueue(KindTool, p) }

// SendBlockReply queues a streamed block of the answer.
func (d *Dispatcher) SendBlockReply(p Payload) bool { return d.enqueue(KindBlock, p) }

// SendFinalReply queues the final answer.
func (d *Dispatcher) SendFinalReply(p Payload) bool { return d.enqueue(KindFinal, p) }

func (d *Dispatcher) enqueue(kind Kind, p Payload) bool {
	p, ok := Normalize(p, NormalizeOptions{
		ResponsePrefix:   d.opts.ResponsePrefix,
		Heartbeat:        d.opts.Heartbeat,
		OnHeartbeatStrip: d.heartbeatStripped,
	})
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.err != nil {
		return false
	}
	d.queue = append(d.queue, entry{kind: kind, payload: p, enqueuedAt: time.Now()})
	if !d.running {
		d.running = true
		d.idle = make(chan struct{})
		go d.drain()
	}
	return true
}

func (d *Dispatcher) heartbeatStripped() {
	if d.opts.OnHeartbeatStrip == nil {
		return
	}
	d.stripOnce.Do(d.opts.OnHeartbeatStrip)
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 || d.closed || d.err != nil {
			d.queue = nil
			d.running = false
			close(d.idle)
			fire := d.complete && !d.idleFired
			if fire {
				d.idleFired = true
			}
			d.mu.Unlock()
			if fire && d.opts.OnIdle != nil {
				d.opts.OnIdle()
			}
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		pace := e.kind == KindBlock && d.lastBlock
		d.lastBlock = e.kind == KindBlock
		d.mu.Unlock()

		if pace {
			if err := clock.Sleep(d.pacing, d.opts.HumanDelay.Next()); err != nil {
				continue
			}
		}

		if err := d.opts.Deliver(d.ctx, e.payload, e.kind); err != nil {
			err = fmt.Errorf("deliver %s reply: %w", e.kind, err)
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			if d.opts.OnError != nil {
				d.opts.OnError(err, e.kind)
			}
			continue
		}
		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
	}
}

// WaitForIdle blocks until the queue is drained and no delivery is in
// flight. It returns the delivery error that halted the dispatcher, if any.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	for {
		d.mu.Lock()
		if !d.running && len(d.queue) == 0 {
			err := d.err
			d.mu.Unlock()
			return err
		}
		idle := d.idle
		d.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MarkComplete declares that no more payloads will be submitted. OnIdle
// fires once the queue has drained, exactly once per dispatcher.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	d.complete = true
	fire := !d.running && len(d.queue) == 0 && !d.idleFired
	if fire {
		d.idleFired = true
	}
	d.mu.Unlock()
	if fire && d.opts.OnIdle != nil {
		d.opts.OnIdle()
	}
}

// Abort stops accepting payloads, drops queued entries and cancels any
// pacing wait. A delivery already in flight is allowed to finish.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	d.closed = true
	d.queue = nil
	d.mu.Unlock()
	d.cancel()
}

// Delivered returns how many payloads were delivered successfully.
func (d *Dispatcher) Delivered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// Pending returns the number of queued, undelivered payloads.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
