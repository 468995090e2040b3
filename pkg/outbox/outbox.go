package outbox

import (
	"errors"
	"sync"

	"ppgstream/pkg/command"
)

var ErrFull = errors.New("outbox: full")

// Outbox queues encoded commands for the transport loop. Any goroutine may
// Push; exactly one consumer drains it.
type Outbox struct {
	mu    sync.Mutex
	items []command.Command
	limit int
	wake  chan struct{}
}

// New creates an outbox. A limit of zero means unbounded.
func New(limit int) *Outbox {
	if limit < 0 {
		limit = 0
	}
	return &Outbox{
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

func (o *Outbox) Push(cmd command.Command) error {
	o.mu.Lock()
	if o.limit > 0 && len(o.items) >= o.limit {
		o.mu.Unlock()
		return ErrFull
	}
	o.items = append(o.items, cmd)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns every queued command in push order.
func (o *Outbox) Drain() []command.Command {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil
	}
	out := o.items
	o.items = nil
	return out
}

// Flush discards every queued command and reports how many were dropped.
func (o *Outbox) Flush() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.items)
	o.items = nil
	return n
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Notify fires after a Push. Several pushes may collapse into one signal.
func (o *Outbox) Notify() <-chan struct{} {
	return o.wake
}
