package transport

import (
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
)

const inboxBuffer = 16

// inbox owns the Messages channel of a transport. deliver may be called from
// several goroutines; finish closes the channel exactly once.
type inbox struct {
	mu       sync.Mutex
	ch       chan jsonrpc.Message
	done     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
	finished bool

	errMu sync.Mutex
	err   error
}

func newInbox() *inbox {
	return &inbox{ch: make(chan jsonrpc.Message, inboxBuffer), done: make(chan struct{})}
}

// deliver queues m for the consumer. It returns false when the transport is
// stopping and the message was dropped.
func (b *inbox) deliver(m jsonrpc.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished || b.closing.Load() {
		return false
	}
	select {
	case b.ch <- m:
		return true
	case <-b.done:
		return false
	}
}

// stop marks the transport as closing and releases blocked deliveries.
func (b *inbox) stop() {
	b.closing.Store(true)
	b.stopOnce.Do(func() { close(b.done) })
}

// finish records err and closes the Messages channel. Only the first call
// has any effect.
func (b *inbox) finish(err error) {
	b.stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	b.errMu.Lock()
	b.err = err
	b.errMu.Unlock()
	close(b.ch)
}

func (b *inbox) messages() <-chan jsonrpc.Message { return b.ch }

func (b *inbox) error() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *inbox) isClosing() bool { return b.closing.Load() }
