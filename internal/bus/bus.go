// Package bus is an in-process text message bus.
//
// Bindings are regular expressions; every message that matches a binding is
// delivered to its trampoline with the captured groups as arguments. Each
// binding gets its own delivery goroutine, so a slow handler never stalls
// Publish or the other bindings.
package bus

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
	messagebus "github.com/vardius/message-bus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	pkgbus "link-service/pkg/bus"
)

// ErrUnknownBinding is returned when unbinding an id the bus does not know
var ErrUnknownBinding = errors.New("bus: unknown binding")

// ErrClosed is returned by Bind after Close
var ErrClosed = errors.New("bus: closed")

type binding struct {
	id      pkgbus.BindID
	re      *regexp.Regexp
	topic   string
	active  *atomic.Bool
	pattern string
	// slots counts queued deliveries; a publisher waits here, never inside
	// the message bus, so Subscribe and Close are not held up by it
	slots chan struct{}
	done  chan struct{}
}

func (bd *binding) revoke() {
	if bd.active.CompareAndSwap(true, false) {
		close(bd.done)
	}
}

// Bus implements pkg/bus.MessageBus
type Bus struct {
	mb        messagebus.MessageBus
	queueSize int
	mu        sync.RWMutex
	bindings map[pkgbus.BindID]*binding
	closed   bool
	logger   *zap.Logger
}

var _ pkgbus.MessageBus = (*Bus)(nil)

// New creates a bus whose bindings buffer up to queueSize pending messages
func New(logger *zap.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Bus{
		mb:        messagebus.New(queueSize),
		queueSize: queueSize,
		bindings:  make(map[pkgbus.BindID]*binding),
		logger:    logger.With(zap.String("component", "bus")),
	}
}

// Bind registers fn for messages matching pattern
func (b *Bus) Bind(pattern string, fn pkgbus.Trampoline, ctx string) (pkgbus.BindID, error) {
	if fn == nil {
		return "", fmt.Errorf("bus: nil trampoline")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("bus: invalid pattern %q: %w", pattern, err)
	}

	id := pkgbus.BindID(uuid.NewString())
	bd := &binding{
		id:      id,
		re:      re,
		topic:   "binding/" + string(id),
		active:  atomic.NewBool(true),
		pattern: pattern,
		slots:   make(chan struct{}, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	handler := func(args []string) {
		<-bd.slots
		if bd.active.Load() {
			fn(ctx, args)
		}
	}
	if err := b.mb.Subscribe(bd.topic, handler); err != nil {
		return "", fmt.Errorf("bus: subscribe %q: %w", pattern, err)
	}

	b.bindings[id] = bd
	b.logger.Debug("Binding registered",
		zap.String("bind_id", string(id)),
		zap.String("pattern", pattern),
	)
	return id, nil
}

// Unbind revokes a binding and drops its pending deliveries
func (b *Bus) Unbind(id pkgbus.BindID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.bindings[id]
	if !ok {
		return ErrUnknownBinding
	}
	bd.revoke()
	b.mb.Close(bd.topic)
	delete(b.bindings, id)

	b.logger.Debug("Binding revoked",
		zap.String("bind_id", string(id)),
		zap.String("pattern", bd.pattern),
	)
	return nil
}

// Publish delivers msg to every matching binding and returns the match count.
// It blocks only while a matching binding's queue is full, without holding a
// lock, so handlers may bind and unbind on the same bus. A handler must not
// publish to its own binding while that binding's queue is full.
func (b *Bus) Publish(msg string) int {
	type delivery struct {
		bd   *binding
		args []string
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	var matches []delivery
	for _, bd := range b.bindings {
		groups := bd.re.FindStringSubmatch(msg)
		if groups == nil {
			continue
		}
		args := make([]string, len(groups)-1)
		copy(args, groups[1:])
		matches = append(matches, delivery{bd: bd, args: args})
	}
	b.mu.RUnlock()

	for _, m := range matches {
		select {
		case m.bd.slots <- struct{}{}:
		case <-m.bd.done:
			// Revoked since the snapshot
			continue
		}
		b.mb.Publish(m.bd.topic, m.args)
	}
	return len(matches)
}

// Len returns the number of active bindings
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}

// Close revokes every binding; later Publish calls are no-ops
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, bd := range b.bindings {
		bd.revoke()
		b.mb.Close(bd.topic)
		delete(b.bindings, id)
	}
	b.closed = true
}
