package eventloop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/util/sync2"
	"github.com/db-incubator/asyncmysql/pkg/util/window"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

const (
	// delay average over the last ~5s, 100ms cells
	delayWindowCells  = 50
	delayCellMs       = 100
	defaultTaskBuffer = 256
)

type queuedTask struct {
	fn         func()
	enqueuedAt time.Time
}

// Timeout is the handle of one armed timer. A cancelled or fired Timeout is
// inert; cancelling twice is fine.
type Timeout struct {
	timer *time.Timer
	// false armed, true fired or cancelled
	spent sync2.AtomicBool
}

func (t *Timeout) disarm() bool {
	return t != nil && t.spent.CompareAndSwap(false, true)
}

// TaskLoop is the asynchronous EventLoop: a single goroutine drains a task
// queue, so everything posted onto it runs serialized. Multiple operations
// interleave on one TaskLoop at driver-verb boundaries.
type TaskLoop struct {
	tasks  chan queuedTask
	quit   chan struct{}
	done   chan struct{}
	closed sync2.AtomicBool
	goid   sync2.AtomicInt64

	delayMu sync.Mutex
	delay   *window.SlidingWindow
}

func NewTaskLoop() *TaskLoop {
	l := &TaskLoop{
		tasks: make(chan queuedTask, defaultTaskBuffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		delay: window.NewSlidingWindow(delayWindowCells, delayCellMs),
	}
	go l.run()
	return l
}

func (l *TaskLoop) run() {
	l.goid.Set(curGoroutineID())
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case t := <-l.tasks:
			l.recordDelay(time.Since(t.enqueuedAt))
			l.safeInvoke(t.fn)
		}
	}
}

func (l *TaskLoop) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logutil.BgLogger().Error("task panicked on loop thread",
				zap.Reflect("recover", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (l *TaskLoop) recordDelay(d time.Duration) {
	l.delayMu.Lock()
	l.delay.Add(window.GetNowMs(), d.Microseconds())
	l.delayMu.Unlock()
}

func (l *TaskLoop) RunInThread(fn func()) bool {
	if l.closed.Get() {
		return false
	}
	select {
	case l.tasks <- queuedTask{fn: fn, enqueuedAt: time.Now()}:
		return true
	case <-l.quit:
		return false
	}
}

func (l *TaskLoop) IsInThread() bool {
	return curGoroutineID() == l.goid.Get()
}

func (l *TaskLoop) Inline() bool {
	return false
}

func (l *TaskLoop) CallbackDelayMicrosAvg() int64 {
	l.delayMu.Lock()
	defer l.delayMu.Unlock()
	return l.delay.Avg(window.GetNowMs())
}

func (l *TaskLoop) ScheduleTimeout(d time.Duration, fn func()) *Timeout {
	t := &Timeout{}
	t.timer = time.AfterFunc(d, func() {
		if !t.disarm() {
			return
		}
		l.RunInThread(fn)
	})
	return t
}

func (l *TaskLoop) CancelTimeout(t *Timeout) {
	if t.disarm() {
		t.timer.Stop()
	}
}

func (l *TaskLoop) RegisterFd(fd int, dir IODirection, fn func()) (*FdHandler, error) {
	return newFdHandler(l, fd, dir, fn)
}

func (l *TaskLoop) UnregisterFd(h *FdHandler) {
	if h != nil {
		h.stop()
	}
}

func (l *TaskLoop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.quit)
	<-l.done
}

// curGoroutineID parses the goroutine id out of the runtime.Stack header.
// It backs IsInThread, which the fetch row-stream checks call on every row
// access.
func curGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// header looks like "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
