package channel

import (
	"context"
	"errors"
	"sync"
)

// Broadcast is an in-memory Channel scoped to one process, the counterpart of a
// page's window message bus. Publish calls every listener registered at that
// moment, one after another on the caller's goroutine.
type Broadcast struct {
	mu       sync.Mutex
	handlers map[uint64]Handler
	nextID   uint64
	closed   bool
}

var _ Channel = (*Broadcast)(nil)

// ErrClosed is returned by operations on a closed Broadcast.
var ErrClosed = errors.New("channel closed")

func NewBroadcast() *Broadcast {
	return &Broadcast{handlers: make(map[uint64]Handler)}
}

func (b *Broadcast) Publish(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.Unlock()

	for _, h := range snapshot {
		h(append([]byte(nil), msg...))
	}
	return nil
}

func (b *Broadcast) Subscribe(h Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("handler is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}, nil
}

// Listeners returns the number of registered handlers.
func (b *Broadcast) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// Close drops all listeners. Further Publish and Subscribe calls fail.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[uint64]Handler)
}
