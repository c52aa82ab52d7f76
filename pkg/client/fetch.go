package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/metrics"
	"github.com/db-incubator/asyncmysql/pkg/util/sync2"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

// FetchAction is the state of the fetch machine. Transitions only happen on
// the loop thread.
type FetchAction int

const (
	ActionStartQuery FetchAction = iota
	ActionInitFetch
	ActionFetch
	ActionWaitForConsumer
	ActionCompleteQuery
	ActionCompleteOperation
)

func (a FetchAction) String() string {
	switch a {
	case ActionStartQuery:
		return "start_query"
	case ActionInitFetch:
		return "init_fetch"
	case ActionFetch:
		return "fetch"
	case ActionWaitForConsumer:
		return "wait_for_consumer"
	case ActionCompleteQuery:
		return "complete_query"
	case ActionCompleteOperation:
		return "complete_operation"
	default:
		return "unknown"
	}
}

// FetchNotify receives the stream notifications on the loop thread. For each
// statement the order is InitQuery, RowsReady*, then exactly one of
// QuerySuccess or Failure; OperationCompleted is final and fires once.
// PauseForConsumer may only be called from inside one of these callbacks.
type FetchNotify interface {
	NotifyInitQuery(op *FetchOperation)
	NotifyRowsReady(op *FetchOperation)
	NotifyQuerySuccess(op *FetchOperation, hasMoreResults bool)
	NotifyFailure(op *FetchOperation, result OperationResult)
	NotifyOperationCompleted(op *FetchOperation, result OperationResult)
}

// RowStream hands the rows of the current result set to the consumer. It
// holds at most one prefetched row. Lifetime is bounded by the owning
// FetchOperation; access outside the loop thread is only legal while the
// operation is paused or completed.
type RowStream struct {
	op      *FetchOperation
	handler MysqlHandler
	result  InternalResult
	fields  *RowFields

	queryFinished   bool
	numRowsSeen     uint64
	queryResultSize uint64

	currentRow *EphemeralRow
}

func newRowStream(op *FetchOperation, result InternalResult) *RowStream {
	return &RowStream{
		op:      op,
		handler: op.conn.client.handler,
		result:  result,
		fields:  result.RowFields(),
	}
}

// slurp pulls the next row off the driver unless one is already buffered.
// Sets queryFinished when the result set terminates.
func (s *RowStream) slurp() Status {
	if s.currentRow != nil || s.queryFinished {
		return StatusDone
	}
	row, status := s.handler.FetchRow(s.result)
	if status == StatusPending || status == StatusError {
		return status
	}
	if row == nil {
		s.queryFinished = true
		return StatusDone
	}
	r := EphemeralRow{Values: row, Fields: s.fields}
	s.currentRow = &r
	s.numRowsSeen++
	s.queryResultSize += r.ByteSize()
	return StatusDone
}

// HasNext reports whether a row is buffered and ready to consume.
func (s *RowStream) HasNext() bool {
	if !s.op.isStreamAccessAllowed() {
		logutil.BgLogger().Error("row stream accessed outside pause window")
		return false
	}
	return s.currentRow != nil
}

// ConsumeRow moves the buffered row out, invalidating the previous one.
func (s *RowStream) ConsumeRow() (EphemeralRow, bool) {
	if !s.op.isStreamAccessAllowed() {
		logutil.BgLogger().Error("row stream accessed outside pause window")
		return EphemeralRow{}, false
	}
	if s.currentRow == nil {
		return EphemeralRow{}, false
	}
	row := *s.currentRow
	s.currentRow = nil
	return row, true
}

func (s *RowStream) Fields() *RowFields {
	return s.fields
}

func (s *RowStream) NumRowsSeen() uint64 {
	return s.numRowsSeen
}

func (s *RowStream) QueryResultSize() uint64 {
	return s.queryResultSize
}

// FetchOperation drives one or more statements issued as a single
// multi-query and streams the result sets to a FetchNotify. It is the only
// operation that can pause: inside a notification the consumer may call
// PauseForConsumer, hand the stream to another thread, and Resume later.
type FetchOperation struct {
	*baseOperation

	query  string
	notify FetchNotify

	activeFetchAction FetchAction
	pausedAction      FetchAction
	paused            sync2.AtomicBool
	cancelRequested   sync2.AtomicBool

	rowStream     *RowStream
	queryExecuted bool
	fetchError    bool

	numQueriesExecuted int
	numCurrentQuery    int
	rowsReceived       uint64
	totalResultSize    uint64

	currentAffectedRows uint64
	currentLastInsertID uint64
	currentRecvGtid     string
	currentRespAttrs    map[string]string

	failureNotified bool
}

func newFetchOperation(conn *Connection, query string, notify FetchNotify, opType OperationType) *FetchOperation {
	op := &FetchOperation{
		baseOperation:     newBaseOperation(conn, opType),
		query:             query,
		notify:            notify,
		activeFetchAction: ActionStartQuery,
		pausedAction:      ActionStartQuery,
	}
	op.setImpl(op)
	op.SetTimeout(conn.queryTimeout())
	return op
}

func (op *FetchOperation) Query() string {
	return op.query
}

func (op *FetchOperation) SetQueryTimeout(t time.Duration) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.SetTimeout(t)
	return nil
}

func (op *FetchOperation) Run() error {
	return op.run()
}

func (op *FetchOperation) MustSucceed() error {
	if err := op.Run(); err != nil && err != ErrInvalidState {
		return err
	}
	return op.mustSucceedErr("fetch")
}

// Cancel moves the fetch machine to CompleteQuery with the cancel flag set;
// no further driver verbs are issued and a best-effort server-side kill is
// dispatched. Safe from any thread, including a paused consumer's.
func (op *FetchOperation) Cancel() {
	op.cancelRequested.Set(true)
	op.mu.Lock()
	if op.state == StatePending {
		op.state = StateCancelling
	}
	if op.state == StateCompleted {
		op.mu.Unlock()
		return
	}
	op.mu.Unlock()
	posted := op.conn.runInThread(func() {
		if op.State() != StateCompleted {
			op.actionable()
		}
	})
	if !posted {
		op.completeOperationInner(ResultCancelled)
	}
}

func (op *FetchOperation) specializedRun() {
	op.activeFetchAction = ActionStartQuery
	op.actionable()
}

// actionable analyzes the action required to continue the operation and runs
// driver verbs until one parks, the consumer pauses, or the operation
// completes. Next-state is always assigned before a notification fires, so a
// pause inside the callback saves the action the machine must resume into.
func (op *FetchOperation) actionable() {
	internal := op.conn.internal
	handler := op.conn.client.handler

	for {
		if op.State() == StateCompleted {
			return
		}
		if op.cancelRequested.Get() &&
			op.activeFetchAction != ActionCompleteOperation {
			op.activeFetchAction = ActionCompleteQuery
		}

		switch op.activeFetchAction {
		case ActionStartQuery:
			var status Status
			if op.queryExecuted {
				status = handler.NextResult(internal)
			} else {
				status = handler.RunQuery(internal, op.query)
			}
			if status == StatusPending {
				op.parkOnSocket()
				return
			}
			if status == StatusError {
				op.snapshotMysqlErrors(internal.Errno(), internal.ErrorMessage())
				op.fetchError = true
				op.activeFetchAction = ActionCompleteQuery
				continue
			}
			// StatusDone and StatusMoreResults both mean a statement's
			// result is now current
			op.queryExecuted = true
			op.numCurrentQuery++
			op.resetPerQueryState()
			op.activeFetchAction = ActionInitFetch

		case ActionInitFetch:
			if handler.FieldCount(internal) > 0 {
				op.rowStream = newRowStream(op, handler.GetResult(internal))
			} else {
				op.rowStream = nil
			}
			next := ActionCompleteQuery
			if op.rowStream != nil {
				next = ActionFetch
			}
			op.activeFetchAction = next
			op.safeNotify(func() { op.notify.NotifyInitQuery(op) })
			if op.activeFetchAction == ActionWaitForConsumer {
				return
			}

		case ActionFetch:
			status := op.rowStream.slurp()
			if status == StatusPending {
				op.parkOnSocket()
				return
			}
			if status == StatusError {
				op.snapshotMysqlErrors(internal.Errno(), internal.ErrorMessage())
				op.fetchError = true
				op.activeFetchAction = ActionCompleteQuery
				continue
			}
			if op.rowStream.currentRow != nil {
				op.rowsReceived++
				metrics.FetchedRowCounter.Inc()
				op.safeNotify(func() { op.notify.NotifyRowsReady(op) })
				if op.activeFetchAction == ActionWaitForConsumer {
					return
				}
				if op.rowStream != nil && op.rowStream.currentRow != nil {
					// consumer made no progress; drop the row rather
					// than spin on it
					logutil.BgLogger().Warn("unconsumed row dropped",
						zap.String("conn", op.conn.key.String()))
					op.rowStream.currentRow = nil
				}
			} else if op.rowStream.queryFinished {
				op.activeFetchAction = ActionCompleteQuery
			}

		case ActionWaitForConsumer:
			// paused: no driver verbs until Resume
			return

		case ActionCompleteQuery:
			if op.cancelRequested.Get() {
				if op.queryExecuted && !op.queryFinished() {
					op.killRunningQuery()
				}
				op.activeFetchAction = ActionCompleteOperation
				continue
			}
			if op.fetchError {
				op.notifyFailureOnce(ResultFailed)
				op.activeFetchAction = ActionCompleteOperation
				continue
			}
			op.readQueryOutcome()
			op.numQueriesExecuted++
			if op.rowStream != nil {
				op.totalResultSize += op.rowStream.queryResultSize
				metrics.ResultBytesCounter.Add(float64(op.rowStream.queryResultSize))
			}
			hasMore := internal.HasMoreResults()
			next := ActionCompleteOperation
			if hasMore {
				next = ActionStartQuery
			}
			op.activeFetchAction = next
			op.safeNotify(func() { op.notify.NotifyQuerySuccess(op, hasMore) })
			if op.activeFetchAction == ActionWaitForConsumer {
				return
			}

		case ActionCompleteOperation:
			result := ResultSucceeded
			if op.cancelRequested.Get() {
				result = ResultCancelled
			} else if op.fetchError {
				result = ResultFailed
			}
			op.completeOperation(result)
			return
		}
	}
}

func (op *FetchOperation) parkOnSocket() {
	if err := op.waitForActionable(); err != nil {
		op.setAsyncClientError(ErrnoInitializationFailed,
			fmt.Sprintf("failed to watch socket descriptor: %v", err))
		op.fetchError = true
		op.activeFetchAction = ActionCompleteQuery
		op.actionable()
	}
}

func (op *FetchOperation) resetPerQueryState() {
	op.rowStream = nil
	op.fetchError = false
	op.currentAffectedRows = 0
	op.currentLastInsertID = 0
	op.currentRecvGtid = ""
	op.currentRespAttrs = nil
}

// readQueryOutcome snapshots the per-statement accounting off the driver.
func (op *FetchOperation) readQueryOutcome() {
	internal := op.conn.internal
	op.currentAffectedRows = internal.AffectedRows()
	op.currentLastInsertID = internal.LastInsertID()
	op.currentRecvGtid = internal.RecvGtid()
	op.currentRespAttrs = internal.ResponseAttributes()
}

func (op *FetchOperation) queryFinished() bool {
	return op.rowStream != nil && op.rowStream.queryFinished
}

// PauseForConsumer stalls the machine until Resume. Only legal from inside a
// notification callback: the action that would run next is saved and the
// machine unwinds without issuing driver verbs. While paused, the pausing
// thread owns the stream state.
func (op *FetchOperation) PauseForConsumer() {
	if !op.conn.loop.IsInThread() {
		logutil.BgLogger().Error("pause requested outside notification callback")
		return
	}
	op.pausedAction = op.activeFetchAction
	op.activeFetchAction = ActionWaitForConsumer
	op.paused.Set(true)
}

func (op *FetchOperation) IsPaused() bool {
	return op.paused.Get()
}

// Resume posts a task that restores the paused action and re-enters the
// machine. Should only be called after PauseForConsumer.
func (op *FetchOperation) Resume() {
	op.conn.runInThread(func() { op.resumeImpl() })
}

func (op *FetchOperation) resumeImpl() {
	if op.State() == StateCompleted {
		return
	}
	if op.activeFetchAction != ActionWaitForConsumer {
		return
	}
	op.activeFetchAction = op.pausedAction
	op.paused.Set(false)
	op.actionable()
}

// isStreamAccessAllowed gates cross-thread access to stream state: the loop
// thread always may; any other thread only while the fetch is paused or the
// operation completed.
func (op *FetchOperation) isStreamAccessAllowed() bool {
	return op.conn.loop.IsInThread() || op.paused.Get() ||
		op.State() == StateCompleted
}

// RowStream is the current result set's stream, nil when the statement
// produced no rows.
func (op *FetchOperation) RowStream() *RowStream {
	if !op.isStreamAccessAllowed() {
		logutil.BgLogger().Error("row stream accessed outside pause window")
		return nil
	}
	return op.rowStream
}

// killRunningQuery dispatches a best-effort server-side kill off the loop
// thread; it returns before the query is killed.
func (op *FetchOperation) killRunningQuery() {
	killer, ok := op.conn.client.handler.(QueryKiller)
	if !ok {
		return
	}
	key := op.conn.key
	connID := op.conn.internal.ConnectionID()
	go killer.KillRunningQuery(key, connID)
}

func (op *FetchOperation) specializedTimeoutTriggered() {
	if op.State() == StateCompleted {
		return
	}
	cbDelayUs := op.conn.client.CallbackDelayMicrosAvg()
	stalled := cbDelayUs >= callbackDelayStallThresholdUs

	code := ErrnoQueryTimeout
	if stalled {
		code = ErrnoQueryTimeoutLoopStalled
	}

	parts := make([]string, 0, 3)
	parts = append(parts, fmt.Sprintf("[%d]%s Query timed out", code, errorPrefix))
	parts = append(parts, op.timeoutMessage(op.Elapsed()))
	if stalled {
		parts = append(parts, op.threadOverloadMessage(cbDelayUs))
	}
	op.setAsyncClientError(code, strings.Join(parts, " "))

	if op.conn.killOnQueryTimeout {
		op.killRunningQuery()
	}
	op.completeOperation(ResultTimedOut)
}

func (op *FetchOperation) notifyFailureOnce(result OperationResult) {
	if op.failureNotified {
		return
	}
	op.failureNotified = true
	op.safeNotify(func() { op.notify.NotifyFailure(op, result) })
}

func (op *FetchOperation) specializedCompleteOperation(result OperationResult) {
	if result == ResultFailed || result == ResultTimedOut {
		op.notifyFailureOnce(result)
	}
	op.safeNotify(func() { op.notify.NotifyOperationCompleted(op, result) })
	op.rowStream = nil
}

// safeNotify shields the loop thread from panicking consumer callbacks.
func (op *FetchOperation) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logutil.BgLogger().Error("fetch notification panicked",
				zap.Reflect("recover", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// NumQueriesExecuted is the count of statements that succeeded. Illegal
// while the operation is still Pending.
func (op *FetchOperation) NumQueriesExecuted() (int, error) {
	if s := op.State(); s == StatePending || s == StateCancelling {
		return 0, ErrInvalidState
	}
	return op.numQueriesExecuted, nil
}

// ResultSize is the accumulated best-effort result byte count. Illegal
// before Run.
func (op *FetchOperation) ResultSize() (uint64, error) {
	if op.State() == StateUnstarted {
		return 0, ErrInvalidState
	}
	return op.totalResultSize, nil
}

// NumCurrentQuery is the 1-based index of the statement being processed.
func (op *FetchOperation) NumCurrentQuery() int {
	return op.numCurrentQuery
}

func (op *FetchOperation) RowsReceived() uint64 {
	return op.rowsReceived
}

func (op *FetchOperation) CurrentAffectedRows() (uint64, error) {
	if !op.isStreamAccessAllowed() {
		return 0, ErrInvalidState
	}
	return op.currentAffectedRows, nil
}

func (op *FetchOperation) CurrentLastInsertID() (uint64, error) {
	if !op.isStreamAccessAllowed() {
		return 0, ErrInvalidState
	}
	return op.currentLastInsertID, nil
}

func (op *FetchOperation) CurrentRecvGtid() (string, error) {
	if !op.isStreamAccessAllowed() {
		return "", ErrInvalidState
	}
	return op.currentRecvGtid, nil
}

func (op *FetchOperation) CurrentRespAttrs() (map[string]string, error) {
	if !op.isStreamAccessAllowed() {
		return nil, ErrInvalidState
	}
	return op.currentRespAttrs, nil
}
