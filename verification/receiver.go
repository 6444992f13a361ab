package verification

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/common/logger"
)

const DefaultQueueSize = 16

// Receiver feeds messages from a Channel into a Machine one at a time.
//
// Deliveries are copied into a bounded queue and processed by the goroutine
// running Run; a full queue drops the delivery, matching the channel's best-effort
// semantics.
type Receiver struct {
	machine   *Machine
	ch        channel.Channel
	queue     chan []byte
	onOutcome func(Outcome)
	logger    *logger.Logger

	ready   chan struct{}
	running atomic.Bool
	dropped atomic.Uint64
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithQueueSize sets the queue capacity. Non-positive values keep the default.
func WithQueueSize(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.queue = make(chan []byte, n)
		}
	}
}

// WithOutcomeHook calls fn with the outcome of every processed message.
func WithOutcomeHook(fn func(Outcome)) ReceiverOption {
	return func(r *Receiver) { r.onOutcome = fn }
}

func WithReceiverLogger(l *logger.Logger) ReceiverOption {
	return func(r *Receiver) { r.logger = l }
}

// NewReceiver returns a Receiver feeding m from ch. It does not subscribe until
// Run is called.
func NewReceiver(m *Machine, ch channel.Channel, opts ...ReceiverOption) (*Receiver, error) {
	if m == nil {
		return nil, errors.New("machine is required")
	}
	if ch == nil {
		return nil, errors.New("channel is required")
	}
	r := &Receiver{
		machine: m,
		ch:      ch,
		queue:   make(chan []byte, DefaultQueueSize),
		logger:  logger.Nop(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Ready is closed once Run has subscribed to the channel.
func (r *Receiver) Ready() <-chan struct{} {
	return r.ready
}

// Dropped returns how many deliveries were discarded because the queue was full.
func (r *Receiver) Dropped() uint64 {
	return r.dropped.Load()
}

// Run subscribes to the channel and processes messages until ctx is done. It
// returns ctx.Err() on shutdown. Run may be called once.
func (r *Receiver) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("receiver already running")
	}

	unsubscribe, err := r.ch.Subscribe(r.enqueue)
	if err != nil {
		return err
	}
	defer unsubscribe()
	close(r.ready)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.queue:
			out := r.machine.HandleMessage(ctx, msg)
			if r.onOutcome != nil {
				r.onOutcome(out)
			}
		}
	}
}

func (r *Receiver) enqueue(msg []byte) {
	select {
	case r.queue <- msg:
	default:
		r.dropped.Add(1)
		r.logger.Warn("receiver queue full, relay message dropped")
	}
}
