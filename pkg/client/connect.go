package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	"github.com/db-incubator/asyncmysql/pkg/metrics"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

// DefaultTCPConnectTimeout is used when connectTcpTimeout is unset on the
// options. Zero disables the TCP-handshake sub-timer entirely.
var DefaultTCPConnectTimeout time.Duration

// ConnectOperation drives the attempt-based connect machine: per-attempt
// timeout, TCP-handshake sub-timeout, retry until the attempt or total
// budget runs out, TLS/SNI/DSCP/compression setup and cert validation
// bridging. One instance produces at most one usable Connection.
type ConnectOperation struct {
	*baseOperation

	key  *ConnectionKey
	opts *ConnectionOptions

	flags        CapabilityFlags
	attemptsMade uint32

	tcpTimeoutHandle *eventloop.Timeout
	certHandle       uint64

	killOnQueryTimeout bool
	activeInClient     bool

	callback ConnectCallback
}

func newConnectOperation(conn *Connection, key *ConnectionKey) *ConnectOperation {
	op := &ConnectOperation{
		baseOperation:  newBaseOperation(conn, OpTypeConnect),
		key:            key,
		opts:           NewConnectionOptions(),
		flags:          CapClientMultiStatements,
		activeInClient: true,
	}
	op.setImpl(op)
	op.SetTimeout(op.opts.Timeout())
	conn.client.activeConnectionAdded(key)
	return op
}

func (op *ConnectOperation) Key() *ConnectionKey {
	return op.key
}

func (op *ConnectOperation) AttemptsMade() uint32 {
	return op.attemptsMade
}

func (op *ConnectOperation) ConnectionOptions() *ConnectionOptions {
	return op.opts
}

// SetConnectionOptions copies every recognized option off opts. Only legal
// while Unstarted.
func (op *ConnectOperation) SetConnectionOptions(opts *ConnectionOptions) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts = opts.Clone()
	op.SetTimeout(op.opts.Timeout())
	return nil
}

func (op *ConnectOperation) SetCallback(cb ConnectCallback) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.callback = cb
	return nil
}

// SetConnectTimeout recomputes the current attempt's deadline; unlike the
// other setters it stays legal after Run.
func (op *ConnectOperation) SetConnectTimeout(t time.Duration) {
	op.opts.SetTimeout(t)
	newTimeout := minDuration(t, op.opts.TotalTimeout())
	op.SetTimeout(newTimeout)
	op.rearmIfPending(newTimeout)
}

// SetTotalTimeout caps the budget across all attempts. The per-attempt timer
// is clamped to it at arming time.
func (op *ConnectOperation) SetTotalTimeout(t time.Duration) {
	op.opts.SetTotalTimeout(t)
	newTimeout := minDuration(op.opts.Timeout(), t)
	op.SetTimeout(newTimeout)
	op.rearmIfPending(newTimeout)
}

func (op *ConnectOperation) rearmIfPending(timeout time.Duration) {
	if op.State() != StatePending || op.conn.loop.Inline() {
		return
	}
	remaining := timeout - op.Elapsed()
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	op.armTimeout(remaining)
}

func (op *ConnectOperation) SetTcpTimeout(t time.Duration) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.SetConnectTcpTimeout(t)
	return nil
}

func (op *ConnectOperation) SetConnectAttempts(n uint32) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.SetConnectAttempts(n)
	return nil
}

func (op *ConnectOperation) SetDefaultQueryTimeout(t time.Duration) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.SetQueryTimeout(t)
	return nil
}

func (op *ConnectOperation) SetSSLOptionsProvider(p SSLOptionsProvider) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.SetSSLOptionsProvider(p)
	return nil
}

func (op *ConnectOperation) SetSniServerName(name string) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.SetSniServerName(name)
	return nil
}

func (op *ConnectOperation) SetDscp(dscp uint8) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	return op.opts.SetDscp(dscp)
}

func (op *ConnectOperation) SetCompression(codec string) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	return op.opts.SetCompression(codec)
}

func (op *ConnectOperation) SetKillOnQueryTimeout(kill bool) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.killOnQueryTimeout = kill
	return nil
}

func (op *ConnectOperation) SetCertValidationCallback(cb CertValidatorCallback, context interface{}, opPtrAsContext bool) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.SetCertValidationCallback(cb, context, opPtrAsContext)
	return nil
}

func (op *ConnectOperation) SetExtraCapabilities(flags CapabilityFlags) error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.flags |= flags
	return nil
}

func (op *ConnectOperation) EnableResetConnBeforeClose() error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.EnableResetConnBeforeClose()
	return nil
}

func (op *ConnectOperation) EnableDelayedResetConn() error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.EnableDelayedResetConn()
	return nil
}

func (op *ConnectOperation) EnableChangeUser() error {
	if err := op.checkUnstarted(); err != nil {
		return err
	}
	op.opts.EnableChangeUser()
	return nil
}

// Run starts the connect machine. The per-attempt timer is clamped by the
// total budget at arming time.
func (op *ConnectOperation) Run() error {
	op.SetTimeout(minDuration(op.opts.Timeout(), op.opts.TotalTimeout()))
	return op.run()
}

// MustSucceed runs the operation to completion and fails unless the result
// is Succeeded.
func (op *ConnectOperation) MustSucceed() error {
	if err := op.Run(); err != nil && err != ErrInvalidState {
		return err
	}
	return op.mustSucceedErr("connect to " + op.key.Addr())
}

func (op *ConnectOperation) specializedRun() {
	var err error
	if op.attemptsMade == 0 {
		err = op.conn.internal.Initialize()
	} else {
		err = op.conn.internal.InitMysqlOnly()
	}
	if err != nil {
		op.setAsyncClientError(ErrnoInitializationFailed,
			fmt.Sprintf("connection initialization failed: %v", err))
		op.attemptFailed(ResultFailed)
		return
	}

	internal := op.conn.internal
	internal.SetConnectAttributes(op.opts.Attributes())

	if codec := op.opts.Compression(); codec != "" {
		if err := internal.SetCompression(codec); err != nil {
			logutil.BgLogger().Warn("failed to enable compression",
				zap.String("codec", codec), zap.Error(err))
		}
	}

	if provider := op.opts.SSLProvider(); provider != nil {
		internal.SetSSLOptionsProvider(provider)
	}
	if sni := op.opts.SniServerName(); sni != "" {
		internal.SetSniServerName(sni)
	}
	if dscp, ok := op.opts.Dscp(); ok {
		if !internal.SetDscp(dscp) {
			logutil.BgLogger().Warn("failed to set DSCP for MySQL client",
				zap.Uint8("dscp", dscp))
		}
	}
	if op.opts.CertValidationCallback() != nil {
		op.installCertValidator()
	}

	// If the tcp timeout value is not set in the options, fall back to the
	// package default. Zero skips both timers: the MySQL client's own
	// connect timeout and the handshake sub-timer.
	tcpTimeout := op.opts.ConnectTcpTimeout()
	if tcpTimeout == 0 {
		tcpTimeout = DefaultTCPConnectTimeout
	}
	if tcpTimeout != 0 {
		internal.SetConnectTimeout(tcpTimeout)
		if !op.conn.loop.Inline() {
			op.tcpTimeoutHandle = op.conn.loop.ScheduleTimeout(tcpTimeout, func() {
				op.tcpConnectTimeoutTriggered()
			})
		}
	}

	injected := false
	failpoint.Inject("connectAttemptError", func() {
		injected = true
	})
	if injected {
		op.setAsyncClientError(ErrnoConnHostError, "injected connect failure")
		op.attemptFailed(ResultFailed)
		return
	}

	// connect is immediately ready to do one tick
	op.actionable()
}

func (op *ConnectOperation) actionable() {
	if op.State() == StateCompleted {
		return
	}
	if op.State() == StateCancelling {
		op.completeOperation(ResultCancelled)
		return
	}

	internal := op.conn.internal
	usingUnixSocket := op.key.UnixSocketPath() != ""

	status := op.conn.client.handler.TryConnect(internal, op.opts, op.key, op.flags)

	if status == StatusError {
		op.snapshotMysqlErrors(internal.Errno(), internal.ErrorMessage())
		op.attemptFailed(ResultFailed)
		return
	}

	if (internal.DoneWithTCPHandshake() || usingUnixSocket) && op.tcpTimeoutHandle != nil {
		// handshake made progress; the sub-timer no longer applies
		op.cancelTcpTimeout()
	}

	fd := internal.SocketDescriptor()
	if fd <= 0 {
		logutil.BgLogger().Error("invalid socket descriptor on connect",
			zap.Int("fd", fd), zap.String("status", status.String()))
		op.setAsyncClientError(ErrnoInitializationFailed,
			"driver returned an invalid socket descriptor")
		op.attemptFailed(ResultFailed)
		return
	}

	if status == StatusDone {
		op.attemptSucceeded(ResultSucceeded)
		return
	}

	if err := op.waitForActionable(); err != nil {
		op.setAsyncClientError(ErrnoInitializationFailed,
			fmt.Sprintf("failed to watch socket descriptor: %v", err))
		op.attemptFailed(ResultFailed)
	}
}

func (op *ConnectOperation) shouldCompleteOperation(result OperationResult) bool {
	// Cancelled normally never reaches here: Cancel forces completion on
	// the base machine. Checked anyway so a racing cancel cannot retry.
	if op.attemptsMade >= op.opts.ConnectAttempts() || result == ResultCancelled {
		return true
	}
	return op.hasElapsed(op.opts.TotalTimeout() + time.Millisecond)
}

func (op *ConnectOperation) attemptFailed(result OperationResult) {
	op.attemptsMade++
	metrics.ConnectAttemptCounter.WithLabelValues(metrics.OutcomeFailure).Inc()
	if op.shouldCompleteOperation(result) {
		op.completeOperation(result)
		return
	}

	op.conn.client.logConnectionFailure(op, result)

	op.cancelTcpTimeout()
	op.unregisterHandler()
	op.cancelTimeout()
	op.conn.internal.Close()

	// remaining budget: one more per-attempt slice, capped by the total
	timeoutAttemptBased := op.opts.Timeout() + op.Elapsed()
	newTimeout := minDuration(timeoutAttemptBased, op.opts.TotalTimeout())
	op.SetTimeout(newTimeout)
	if !op.conn.loop.Inline() {
		remaining := newTimeout - op.Elapsed()
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		op.armTimeout(remaining)
	}
	op.specializedRun()
}

func (op *ConnectOperation) attemptSucceeded(result OperationResult) {
	op.attemptsMade++
	metrics.ConnectAttemptCounter.WithLabelValues(metrics.OutcomeSuccess).Inc()
	op.completeOperation(result)
}

func (op *ConnectOperation) specializedTimeoutTriggered() {
	op.timeoutHandler(false)
}

func (op *ConnectOperation) tcpConnectTimeoutTriggered() {
	if !op.conn.internal.DoneWithTCPHandshake() {
		op.timeoutHandler(true)
	}
	// else do nothing since we have made progress
}

func (op *ConnectOperation) timeoutHandler(isTcpTimeout bool) {
	if op.State() == StateCompleted {
		return
	}
	elapsed := op.Elapsed()

	cbDelayUs := op.conn.client.CallbackDelayMicrosAvg()
	stalled := cbDelayUs >= callbackDelayStallThresholdUs

	code := ErrnoConnTimeout
	if stalled {
		code = ErrnoConnTimeoutLoopStalled
	}

	// Overall the message looks like this:
	//   [<errno>](Mysql Client) Connect to <host>:<port> timed out
	//   at stage <connect_stage> (took Nms, timeout was Nms)
	//   [(CLIENT_OVERLOADED: cb delay Nms, N active conns)] (TcpTimeout:N)
	parts := make([]string, 0, 5)
	parts = append(parts, fmt.Sprintf("[%d]%s Connect to %s:%d timed out",
		code, errorPrefix, op.key.Host(), op.key.Port()))
	parts = append(parts, "at stage "+op.conn.internal.ConnectStageName())
	parts = append(parts, op.timeoutMessage(elapsed))
	if stalled {
		parts = append(parts, op.threadOverloadMessage(cbDelayUs))
	}
	tcpFlag := 0
	if isTcpTimeout {
		tcpFlag = 1
	}
	parts = append(parts, fmt.Sprintf("(TcpTimeout:%d)", tcpFlag))

	op.setAsyncClientError(code, strings.Join(parts, " "))
	op.attemptFailed(ResultTimedOut)
}

func (op *ConnectOperation) cancelTcpTimeout() {
	if op.tcpTimeoutHandle != nil {
		op.conn.loop.CancelTimeout(op.tcpTimeoutHandle)
		op.tcpTimeoutHandle = nil
	}
}

func (op *ConnectOperation) maybeStoreSSLSession() {
	if op.Result() != ResultSucceeded || !op.conn.internal.HasInitialized() {
		return
	}
	if provider := op.opts.SSLProvider(); provider != nil {
		if provider.StoreSession(op.conn.internal) {
			metrics.ReusedSSLSessionCounter.Inc()
		}
	}
}

func (op *ConnectOperation) specializedCompleteOperation(result OperationResult) {
	// Only Connect-type operations may update the TLS session; propagating
	// a session from a connection created under one client cert into a
	// provider initialized with a different cert must not happen.
	if op.opType == OpTypeConnect {
		op.maybeStoreSSLSession()
	}

	if result == ResultSucceeded && op.conn.internal.OK() {
		op.conn.serverVersion = op.conn.internal.ServerInfo()
	}

	op.cancelTcpTimeout()
	op.deregisterCertValidator()

	if op.conn.internal.HasInitialized() {
		if result == ResultSucceeded {
			op.conn.client.logConnectionSuccess(op)
		} else {
			op.conn.client.logConnectionFailure(op, result)
		}
	}

	// the surviving Connection inherits the frozen options
	op.conn.opts = op.opts
	op.conn.killOnQueryTimeout = op.killOnQueryTimeout

	if op.callback != nil {
		cb := op.callback
		op.callback = nil
		cb(op)
	}
	op.removeClientReference()
}

func (op *ConnectOperation) removeClientReference() {
	if op.activeInClient {
		op.activeInClient = false
		op.conn.client.activeConnectionRemoved(op.key)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
