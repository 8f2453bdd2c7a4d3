// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral event reactor interface.

package reactor

// ListenerToken is the token of the listening socket. Client tokens are
// their non-zero slot ids.
const ListenerToken uint32 = 0

// MaxWaitEvents caps the events a single Wait returns.
const MaxWaitEvents = 256

// Direction selects the readiness a registration waits for.
type Direction uint8

const (
	DirRead Direction = 1 << iota
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	case DirRead | DirWrite:
		return "read|write"
	default:
		return "none"
	}
}

// EventReactor defines the one-shot reactor operations.
type EventReactor interface {
	// Register adds fd with the given token, armed once for dir.
	Register(fd int, token uint32, dir Direction) error

	// Rearm re-enables a registration after its event fired.
	Rearm(fd int, token uint32, dir Direction) error

	// Unregister removes fd from the interest set.
	Unregister(fd int) error

	// Wait blocks up to timeoutMs and writes up to MaxWaitEvents ready
	// events into events.
	// An interrupted wait reports zero events and no error.
	Wait(events []Event, timeoutMs int) (n int, err error)

	// Close cleans up resources (epfd). Safe to call more than once.
	Close() error
}

// Event contains event information returned by Wait call.
type Event struct {
	Fd       int
	Token    uint32
	Readable bool
	Writable bool
	Hangup   bool
}
