package eventloop

import (
	"time"

	"github.com/pingcap/errors"
)

// IODirection is the socket readiness a pending driver verb asked for.
type IODirection int

const (
	DirectionRead IODirection = iota
	DirectionWrite
	DirectionReadWrite
)

var (
	ErrLoopClosed      = errors.New("event loop is closed")
	ErrFdWatchInline   = errors.New("inline loop cannot watch descriptors")
	ErrInvalidFd       = errors.New("invalid file descriptor")
	ErrAlreadyWatching = errors.New("descriptor already being watched")
)

// EventLoop schedules work onto an I/O thread, watches descriptors for
// readiness and arms timeouts. The async implementation is TaskLoop; the
// inline implementation (InlineLoop) runs everything in the caller so
// blocking drivers can reuse the exact same operation code.
type EventLoop interface {
	// RunInThread posts fn onto the loop thread. Returns false if the loop
	// has shut down and will never run fn. The inline loop invokes fn
	// before returning and always reports true.
	RunInThread(fn func()) bool

	// IsInThread reports whether the caller is on the loop thread.
	IsInThread() bool

	// Inline reports whether scheduling is inline-blocking. Operations use
	// this to skip arming wall-clock timers: a blocking driver enforces
	// its own deadlines.
	Inline() bool

	// CallbackDelayMicrosAvg is the average queue-to-run delay of recently
	// executed tasks, in microseconds. The stall detector compares this
	// against its threshold when attributing timeouts.
	CallbackDelayMicrosAvg() int64

	// ScheduleTimeout arms fn to run on the loop thread after d.
	// Returns nil on inline loops.
	ScheduleTimeout(d time.Duration, fn func()) *Timeout
	CancelTimeout(t *Timeout)

	// RegisterFd arms a one-shot readiness watch on fd; fn runs on the
	// loop thread once fd is ready for dir. Use Rearm on the returned
	// handler to wait again.
	RegisterFd(fd int, dir IODirection, fn func()) (*FdHandler, error)
	UnregisterFd(h *FdHandler)

	// Close stops the loop. Pending tasks are dropped; subsequent
	// RunInThread calls return false.
	Close()
}
