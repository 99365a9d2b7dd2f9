// pkg/bus/interfaces.go
package bus

// BindID identifies one active binding on a bus
type BindID string

// Trampoline is invoked by the bus for every message matching a bound
// pattern. ctx is the opaque value given to Bind; args are the pattern's
// captured groups in order.
type Trampoline func(ctx string, args []string)

// Binder registers and revokes pattern bindings
type Binder interface {
	// Bind registers fn for messages matching pattern (a regular expression)
	Bind(pattern string, fn Trampoline, ctx string) (BindID, error)

	// Unbind revokes a binding and drops its pending deliveries
	Unbind(id BindID) error
}

// Publisher delivers text messages to matching bindings
type Publisher interface {
	// Publish returns the number of bindings the message matched
	Publish(msg string) int
}

// MessageBus is the full bus contract used by the link supervisor
type MessageBus interface {
	Binder
	Publisher
	Close()
}
