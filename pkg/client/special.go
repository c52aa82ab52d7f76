package client

import (
	"fmt"
)

// ResetOperation drives one ResetConn verb through the base machine,
// clearing server-side session state without reconnecting.
type ResetOperation struct {
	*baseOperation
}

func newResetOperation(conn *Connection) *ResetOperation {
	op := &ResetOperation{baseOperation: newBaseOperation(conn, OpTypeReset)}
	op.setImpl(op)
	op.SetTimeout(conn.queryTimeout())
	return op
}

func (op *ResetOperation) Run() error {
	return op.run()
}

func (op *ResetOperation) MustSucceed() error {
	if err := op.Run(); err != nil && err != ErrInvalidState {
		return err
	}
	return op.mustSucceedErr("reset connection")
}

func (op *ResetOperation) specializedRun() {
	op.actionable()
}

func (op *ResetOperation) actionable() {
	if op.State() == StateCompleted {
		return
	}
	if op.State() == StateCancelling {
		op.completeOperation(ResultCancelled)
		return
	}
	internal := op.conn.internal
	switch op.conn.client.handler.ResetConn(internal) {
	case StatusPending:
		if err := op.waitForActionable(); err != nil {
			op.setAsyncClientError(ErrnoInitializationFailed,
				fmt.Sprintf("failed to watch socket descriptor: %v", err))
			op.completeOperation(ResultFailed)
		}
	case StatusError:
		op.snapshotMysqlErrors(internal.Errno(), internal.ErrorMessage())
		op.completeOperation(ResultFailed)
	default:
		op.completeOperation(ResultSucceeded)
	}
}

func (op *ResetOperation) specializedTimeoutTriggered() {
	op.setAsyncClientError(ErrnoQueryTimeout,
		fmt.Sprintf("[%d]%s Reset connection timed out %s",
			ErrnoQueryTimeout, errorPrefix, op.timeoutMessage(op.Elapsed())))
	op.completeOperation(ResultTimedOut)
}

func (op *ResetOperation) specializedCompleteOperation(result OperationResult) {}

// ChangeUserOperation re-authenticates the connection under a different
// key's credentials. On success the connection takes on the new identity.
type ChangeUserOperation struct {
	*baseOperation
	key *ConnectionKey
}

func newChangeUserOperation(conn *Connection, key *ConnectionKey) *ChangeUserOperation {
	op := &ChangeUserOperation{
		baseOperation: newBaseOperation(conn, OpTypeChangeUser),
		key:           key,
	}
	op.setImpl(op)
	op.SetTimeout(conn.queryTimeout())
	return op
}

func (op *ChangeUserOperation) Key() *ConnectionKey {
	return op.key
}

func (op *ChangeUserOperation) Run() error {
	return op.run()
}

func (op *ChangeUserOperation) MustSucceed() error {
	if err := op.Run(); err != nil && err != ErrInvalidState {
		return err
	}
	return op.mustSucceedErr("change user to " + op.key.User())
}

func (op *ChangeUserOperation) specializedRun() {
	op.actionable()
}

func (op *ChangeUserOperation) actionable() {
	if op.State() == StateCompleted {
		return
	}
	if op.State() == StateCancelling {
		op.completeOperation(ResultCancelled)
		return
	}
	internal := op.conn.internal
	switch op.conn.client.handler.ChangeUser(internal, op.key) {
	case StatusPending:
		if err := op.waitForActionable(); err != nil {
			op.setAsyncClientError(ErrnoInitializationFailed,
				fmt.Sprintf("failed to watch socket descriptor: %v", err))
			op.completeOperation(ResultFailed)
		}
	case StatusError:
		op.snapshotMysqlErrors(internal.Errno(), internal.ErrorMessage())
		op.completeOperation(ResultFailed)
	default:
		op.completeOperation(ResultSucceeded)
	}
}

func (op *ChangeUserOperation) specializedTimeoutTriggered() {
	op.setAsyncClientError(ErrnoQueryTimeout,
		fmt.Sprintf("[%d]%s Change user timed out %s",
			ErrnoQueryTimeout, errorPrefix, op.timeoutMessage(op.Elapsed())))
	op.completeOperation(ResultTimedOut)
}

func (op *ChangeUserOperation) specializedCompleteOperation(result OperationResult) {
	if result == ResultSucceeded {
		op.conn.key = op.key
	}
}
