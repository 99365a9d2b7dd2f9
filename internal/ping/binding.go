// internal/ping/binding.go
package ping

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"link-service/pkg/bus"
)

// ErrUnknownHandle is returned when unbinding a handle that is not registered
var ErrUnknownHandle = errors.New("ping: unknown binding handle")

// Handle identifies a ping binding in the process-wide registry
type Handle string

// Callback runs against the tracker when a bound message arrives
type Callback func(t *Tracker, args []string)

// DefaultCallback completes the round trip
func DefaultCallback(t *Tracker, args []string) {
	t.CallbackPing(args)
}

type binding struct {
	cb      Callback
	tracker *Tracker
	binder  bus.Binder
	busID   bus.BindID
	pattern string
}

// registry maps handles to bound callbacks. The bus only ever holds the
// handle string, so a revoked binding is simply not found.
var registry = cmap.New[*binding]()

// BindPing binds cb to messages matching pattern on b. The returned handle
// stays valid until Unbind.
func (t *Tracker) BindPing(b bus.Binder, cb Callback, pattern string) (Handle, error) {
	if b == nil {
		return "", fmt.Errorf("ping: nil binder")
	}
	if cb == nil {
		cb = DefaultCallback
	}

	handle := Handle(uuid.NewString())
	entry := &binding{
		cb:      cb,
		tracker: t,
		binder:  b,
		pattern: pattern,
	}

	// Registered before Bind so a message racing the bind is not lost
	registry.Set(string(handle), entry)

	busID, err := b.Bind(pattern, dispatchPing, string(handle))
	if err != nil {
		registry.Remove(string(handle))
		return "", fmt.Errorf("ping: bind %q: %w", pattern, err)
	}
	entry.busID = busID

	return handle, nil
}

// Unbind revokes the binding and releases its callback
func Unbind(h Handle) error {
	entry, ok := registry.Pop(string(h))
	if !ok {
		return ErrUnknownHandle
	}
	if err := entry.binder.Unbind(entry.busID); err != nil {
		return fmt.Errorf("ping: unbind %q: %w", entry.pattern, err)
	}
	return nil
}

// Bindings returns the number of live bindings
func Bindings() int {
	return registry.Count()
}

// dispatchPing is the bus trampoline. It resolves the handle and invokes the
// bound callback; deliveries for revoked handles are dropped.
func dispatchPing(ctx string, args []string) {
	entry, ok := registry.Get(ctx)
	if !ok {
		return
	}
	entry.cb(entry.tracker, args)
}
