package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	"github.com/db-incubator/asyncmysql/pkg/metrics"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

// OperationState is the lifecycle of an operation. Transitions form a DAG:
// Unstarted -> Pending -> (Cancelling) -> Completed. No state is re-entered.
type OperationState int32

const (
	StateUnstarted OperationState = iota
	StatePending
	StateCancelling
	StateCompleted
)

func (s OperationState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StatePending:
		return "pending"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// OperationResult is only meaningful once the operation is Completed.
type OperationResult int32

const (
	ResultUnknown OperationResult = iota
	ResultSucceeded
	ResultFailed
	ResultTimedOut
	ResultCancelled
)

func (r OperationResult) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultTimedOut:
		return "timed_out"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// OperationType labels the concrete operation for logging and stats.
type OperationType string

const (
	OpTypeConnect    OperationType = "connect"
	OpTypeQuery      OperationType = "query"
	OpTypeMultiQuery OperationType = "multi_query"
	OpTypeReset      OperationType = "reset_conn"
	OpTypeChangeUser OperationType = "change_user"
)

// operationImpl is the capability set a concrete operation plugs into the
// base machine.
type operationImpl interface {
	// specializedRun initializes per-operation resources on the loop
	// thread and drives the first actionable tick.
	specializedRun()
	// actionable is re-entered by the loop on socket readiness.
	actionable()
	// specializedTimeoutTriggered handles the per-operation timer.
	specializedTimeoutTriggered()
	// specializedCompleteOperation runs completion side effects before
	// user callbacks fire.
	specializedCompleteOperation(result OperationResult)
}

// baseOperation is the lifecycle shared by every operation: state tracking,
// timeout arming, descriptor registration and single-shot completion
// dispatch. Concrete operations embed it and register themselves as impl.
type baseOperation struct {
	mu     sync.Mutex
	state  OperationState
	result OperationResult

	conn   *Connection
	impl   operationImpl
	opType OperationType

	timeout   time.Duration
	startTime time.Time
	endTime   time.Time

	timeoutHandle *eventloop.Timeout
	fdHandle      *eventloop.FdHandler

	// snapshotted driver error; set before any further state changes so
	// completion reports root cause regardless of later cleanup failures
	mysqlErrno  uint16
	mysqlErrmsg string

	completing bool

	done chan struct{}
}

func newBaseOperation(conn *Connection, opType OperationType) *baseOperation {
	return &baseOperation{
		state:  StateUnstarted,
		result: ResultUnknown,
		conn:   conn,
		opType: opType,
		done:   make(chan struct{}),
	}
}

func (op *baseOperation) setImpl(impl operationImpl) {
	op.impl = impl
}

func (op *baseOperation) State() OperationState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

func (op *baseOperation) Result() OperationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *baseOperation) OK() bool {
	return op.Result() == ResultSucceeded
}

func (op *baseOperation) Type() OperationType {
	return op.opType
}

func (op *baseOperation) Connection() *Connection {
	return op.conn
}

// Errno and ErrorMessage report the snapshotted driver error of a Failed or
// TimedOut operation.
func (op *baseOperation) Errno() uint16 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.mysqlErrno
}

func (op *baseOperation) ErrorMessage() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.mysqlErrmsg
}

func (op *baseOperation) Error() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.mysqlErrno == 0 && op.mysqlErrmsg == "" {
		return nil
	}
	return &MysqlError{Code: op.mysqlErrno, Message: op.mysqlErrmsg}
}

func (op *baseOperation) SetTimeout(t time.Duration) {
	op.mu.Lock()
	op.timeout = t
	op.mu.Unlock()
}

func (op *baseOperation) Timeout() time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.timeout
}

func (op *baseOperation) StartTime() time.Time {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.startTime
}

func (op *baseOperation) Elapsed() time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.startTime.IsZero() {
		return 0
	}
	if !op.endTime.IsZero() {
		return op.endTime.Sub(op.startTime)
	}
	return time.Since(op.startTime)
}

func (op *baseOperation) hasElapsed(d time.Duration) bool {
	return op.Elapsed() > d
}

// checkUnstarted gates option setters to the pre-run window.
func (op *baseOperation) checkUnstarted() error {
	if op.State() != StateUnstarted {
		return ErrInvalidState
	}
	return nil
}

// run moves the operation to Pending, arms the per-attempt timeout and posts
// specializedRun onto the loop thread. A second call fails ErrInvalidState.
func (op *baseOperation) run() error {
	if !op.conn.attachOperation(op) {
		return ErrInvalidState
	}
	op.mu.Lock()
	if op.state != StateUnstarted {
		op.mu.Unlock()
		op.conn.detachOperation(op)
		return ErrInvalidState
	}
	op.state = StatePending
	op.startTime = time.Now()
	timeout := op.timeout
	op.mu.Unlock()

	op.conn.client.addOperation(op)
	if timeout > 0 && !op.conn.loop.Inline() {
		op.armTimeout(timeout)
	}
	if !op.conn.runInThread(func() { op.impl.specializedRun() }) {
		op.completeOperationInner(ResultFailed)
		return ErrLoopShutdown
	}
	return nil
}

// armTimeout (re)arms the per-attempt timer. Safe to call with a live timer;
// the old one is cancelled first.
func (op *baseOperation) armTimeout(timeout time.Duration) {
	op.mu.Lock()
	old := op.timeoutHandle
	op.mu.Unlock()
	if old != nil {
		op.conn.loop.CancelTimeout(old)
	}
	handle := op.conn.loop.ScheduleTimeout(timeout, func() {
		op.impl.specializedTimeoutTriggered()
	})
	op.mu.Lock()
	op.timeoutHandle = handle
	op.mu.Unlock()
}

func (op *baseOperation) cancelTimeout() {
	op.mu.Lock()
	handle := op.timeoutHandle
	op.timeoutHandle = nil
	op.mu.Unlock()
	if handle != nil {
		op.conn.loop.CancelTimeout(handle)
	}
}

// waitForActionable registers (or rearms) the connection's descriptor for
// the direction the driver requested and suspends until readiness.
func (op *baseOperation) waitForActionable() error {
	fd := op.conn.internal.SocketDescriptor()
	dir := op.conn.internal.WaitDirection()
	if op.fdHandle != nil {
		op.fdHandle.Rearm(dir)
		return nil
	}
	handle, err := op.conn.loop.RegisterFd(fd, dir, func() { op.impl.actionable() })
	if err != nil {
		return err
	}
	op.fdHandle = handle
	return nil
}

func (op *baseOperation) unregisterHandler() {
	if op.fdHandle != nil {
		op.conn.loop.UnregisterFd(op.fdHandle)
		op.fdHandle = nil
	}
}

// Cancel requests cancellation from any thread. The operation completes with
// Cancelled once the loop thread observes the request.
func (op *baseOperation) Cancel() {
	op.mu.Lock()
	switch op.state {
	case StateCompleted, StateCancelling:
		op.mu.Unlock()
		return
	case StateUnstarted:
		op.state = StateCancelling
		op.mu.Unlock()
		op.completeOperationInner(ResultCancelled)
		return
	default:
		op.state = StateCancelling
	}
	op.mu.Unlock()
	posted := op.conn.runInThread(func() {
		op.completeOperation(ResultCancelled)
	})
	if !posted {
		op.completeOperationInner(ResultCancelled)
	}
}

// snapshotMysqlErrors captures the driver error before cleanup can overwrite
// it. A cancellation snapshot cannot be displaced by a later error.
func (op *baseOperation) snapshotMysqlErrors(errno uint16, msg string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.result == ResultCancelled {
		return
	}
	op.mysqlErrno = errno
	op.mysqlErrmsg = msg
}

func (op *baseOperation) setAsyncClientError(errno uint16, msg string) {
	op.snapshotMysqlErrors(errno, msg)
}

// completeOperation finishes the operation on the loop thread: descriptor
// unregistered, timers cancelled, specialized side effects run, waiter
// notified, client reference dropped. Exactly one call wins.
func (op *baseOperation) completeOperation(result OperationResult) {
	op.mu.Lock()
	if op.state == StateCompleted {
		op.mu.Unlock()
		return
	}
	if op.state == StateCancelling && result != ResultCancelled {
		// cancel wins over any racing failure
		result = ResultCancelled
	}
	op.mu.Unlock()
	op.completeOperationInner(result)
}

func (op *baseOperation) completeOperationInner(result OperationResult) {
	op.mu.Lock()
	if op.state == StateCompleted || op.completing {
		op.mu.Unlock()
		return
	}
	op.completing = true
	op.mu.Unlock()

	// descriptor registration and armed timers are gone before the
	// operation is observable as Completed
	op.unregisterHandler()
	op.cancelTimeout()

	op.mu.Lock()
	op.state = StateCompleted
	op.result = result
	op.endTime = time.Now()
	op.mu.Unlock()

	op.safeSpecializedComplete(result)

	metrics.OperationCounter.WithLabelValues(string(op.opType), result.String()).Inc()
	op.conn.client.removeOperation(op)
	op.conn.detachOperation(op)
	op.conn.notify(op)
}

// User callbacks may panic; the loop thread must survive them.
func (op *baseOperation) safeSpecializedComplete(result OperationResult) {
	defer func() {
		if r := recover(); r != nil {
			logutil.BgLogger().Error("operation completion callback panicked",
				zap.String("type", string(op.opType)),
				zap.Reflect("recover", r),
				zap.Stack("stack"))
		}
	}()
	op.impl.specializedCompleteOperation(result)
}

// Wait blocks the caller until the operation is Completed. On an inline loop
// the operation has already run to completion and Wait returns immediately.
func (op *baseOperation) Wait() {
	op.conn.wait(op)
}

func (op *baseOperation) mustSucceedErr(what string) error {
	op.Wait()
	if !op.OK() {
		return fmt.Errorf("%w: %s: [%d] %s",
			ErrRequiredOperationFailed, what, op.Errno(), op.ErrorMessage())
	}
	return nil
}

// timeoutMessage is the "(took Nms, timeout was Nms)" fragment shared by the
// connect and fetch timeout messages.
func (op *baseOperation) timeoutMessage(elapsed time.Duration) string {
	return fmt.Sprintf("(took %dms, timeout was %dms)",
		elapsed.Milliseconds(), op.Timeout().Milliseconds())
}

func (op *baseOperation) threadOverloadMessage(cbDelayUs int64) string {
	return fmt.Sprintf("(CLIENT_OVERLOADED: cb delay %dms, %d active conns)",
		cbDelayUs/1000, op.conn.client.numActiveConnections())
}
