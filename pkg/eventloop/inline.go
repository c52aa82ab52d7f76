package eventloop

import "time"

// InlineLoop is the synchronous EventLoop: RunInThread invokes the task in
// the caller, so an operation runs to completion before Run returns.
// Timeouts are inert because the blocking driver enforces its own deadlines,
// and descriptors are never watched because blocking verbs never park.
type InlineLoop struct{}

func NewInlineLoop() *InlineLoop {
	return &InlineLoop{}
}

func (l *InlineLoop) RunInThread(fn func()) bool {
	fn()
	return true
}

func (l *InlineLoop) IsInThread() bool {
	return true
}

func (l *InlineLoop) Inline() bool {
	return true
}

func (l *InlineLoop) CallbackDelayMicrosAvg() int64 {
	return 0
}

func (l *InlineLoop) ScheduleTimeout(time.Duration, func()) *Timeout {
	return nil
}

func (l *InlineLoop) CancelTimeout(t *Timeout) {}

func (l *InlineLoop) RegisterFd(int, IODirection, func()) (*FdHandler, error) {
	return nil, ErrFdWatchInline
}

func (l *InlineLoop) UnregisterFd(h *FdHandler) {}

func (l *InlineLoop) Close() {}
