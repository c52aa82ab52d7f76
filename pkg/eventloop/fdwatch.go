package eventloop

import (
	"github.com/db-incubator/asyncmysql/pkg/util/sync2"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FdHandler watches one descriptor with poll(2) on a dedicated goroutine.
// Each arm is one-shot: when the descriptor becomes ready the callback is
// posted onto the loop and the watcher parks until Rearm or stop. A pipe is
// used to interrupt a poll that is already in flight.
type FdHandler struct {
	loop *TaskLoop
	fd   int
	fn   func()

	arm     chan IODirection
	quit    chan struct{}
	stopped sync2.AtomicBool

	wakeR int
	wakeW int
}

func newFdHandler(loop *TaskLoop, fd int, dir IODirection, fn func()) (*FdHandler, error) {
	if fd <= 0 {
		return nil, ErrInvalidFd
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	h := &FdHandler{
		loop:  loop,
		fd:    fd,
		fn:    fn,
		arm:   make(chan IODirection, 1),
		quit:  make(chan struct{}),
		wakeR: p[0],
		wakeW: p[1],
	}
	h.arm <- dir
	go h.watch()
	return h, nil
}

// Rearm requests one more readiness wait. Calling Rearm on a stopped handler
// is a no-op.
func (h *FdHandler) Rearm(dir IODirection) {
	if h.stopped.Get() {
		return
	}
	select {
	case h.arm <- dir:
	default:
	}
}

func (h *FdHandler) stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	close(h.quit)
	// interrupt an in-flight poll
	var one = [1]byte{1}
	_, _ = unix.Write(h.wakeW, one[:])
}

func pollEvents(dir IODirection) int16 {
	switch dir {
	case DirectionRead:
		return unix.POLLIN
	case DirectionWrite:
		return unix.POLLOUT
	default:
		return unix.POLLIN | unix.POLLOUT
	}
}

func (h *FdHandler) watch() {
	defer func() {
		_ = unix.Close(h.wakeR)
		_ = unix.Close(h.wakeW)
	}()
	for {
		var dir IODirection
		select {
		case <-h.quit:
			return
		case dir = <-h.arm:
		}
		if !h.pollOnce(dir) {
			return
		}
	}
}

// pollOnce blocks until h.fd is ready, the handler is stopped, or poll fails
// fatally. Returns false when the watcher should exit.
func (h *FdHandler) pollOnce(dir IODirection) bool {
	for {
		fds := []unix.PollFd{
			{Fd: int32(h.fd), Events: pollEvents(dir)},
			{Fd: int32(h.wakeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logutil.BgLogger().Error("descriptor poll failed",
				zap.Int("fd", h.fd), zap.Error(err))
			return false
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents != 0 {
			// woken for shutdown
			return false
		}
		if fds[0].Revents != 0 {
			h.loop.RunInThread(h.fn)
			return true
		}
	}
}
