package client

import (
	"sync"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	"github.com/stretchr/testify/mock"
)

// MockHandler is a testify mock over the non-blocking verbs. The driver
// connection handle itself is a plain fake: sequencing lives in the handler
// expectations.
type MockHandler struct {
	mock.Mock
	conn *fakeInternalConn
}

func NewMockHandler(conn *fakeInternalConn) *MockHandler {
	return &MockHandler{conn: conn}
}

func (m *MockHandler) NewInternalConnection(key *ConnectionKey) InternalConnection {
	return m.conn
}

func (m *MockHandler) TryConnect(conn InternalConnection, opts *ConnectionOptions, key *ConnectionKey, flags CapabilityFlags) Status {
	args := m.Called(conn, opts, key, flags)
	return args.Get(0).(Status)
}

func (m *MockHandler) RunQuery(conn InternalConnection, query string) Status {
	args := m.Called(conn, query)
	return args.Get(0).(Status)
}

func (m *MockHandler) NextResult(conn InternalConnection) Status {
	args := m.Called(conn)
	return args.Get(0).(Status)
}

func (m *MockHandler) FieldCount(conn InternalConnection) int {
	args := m.Called(conn)
	return args.Int(0)
}

func (m *MockHandler) GetResult(conn InternalConnection) InternalResult {
	args := m.Called(conn)
	return args.Get(0).(InternalResult)
}

func (m *MockHandler) FetchRow(res InternalResult) ([][]byte, Status) {
	args := m.Called(res)
	row, _ := args.Get(0).([][]byte)
	return row, args.Get(1).(Status)
}

func (m *MockHandler) ResetConn(conn InternalConnection) Status {
	args := m.Called(conn)
	return args.Get(0).(Status)
}

func (m *MockHandler) ChangeUser(conn InternalConnection, key *ConnectionKey) Status {
	args := m.Called(conn, key)
	return args.Get(0).(Status)
}

// MockKillerHandler additionally records best-effort kills.
type MockKillerHandler struct {
	*MockHandler
	mu     sync.Mutex
	killed []uint32
}

func NewMockKillerHandler(conn *fakeInternalConn) *MockKillerHandler {
	return &MockKillerHandler{MockHandler: NewMockHandler(conn)}
}

func (m *MockKillerHandler) KillRunningQuery(key *ConnectionKey, connID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, connID)
}

func (m *MockKillerHandler) killedIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.killed...)
}

// fakeInternalConn is a scripted driver connection handle.
type fakeInternalConn struct {
	initialized      bool
	initializeCalls  int
	initMysqlCalls   int
	closeCalls       int
	errno            uint16
	errmsg           string
	fd               int
	waitDir          eventloop.IODirection
	doneTCPHandshake bool
	stage            string
	serverInfo       string
	tlsVersion       string
	connID           uint32

	affectedRows uint64
	lastInsertID uint64
	recvGtid     string
	respAttrs    map[string]string
	hasMoreQueue []bool

	attrs       map[string]string
	compression string
	sni         string
	dscp        *uint8
	provider    SSLOptionsProvider
	certHook    func(cert interface{}) (int, string)
	connTimeout time.Duration

	failInitialize error
}

func newFakeInternalConn() *fakeInternalConn {
	return &fakeInternalConn{
		fd:               3,
		doneTCPHandshake: true,
		stage:            "established",
		serverInfo:       "8.0.28-test",
		connID:           42,
	}
}

func (c *fakeInternalConn) Initialize() error {
	if c.failInitialize != nil {
		return c.failInitialize
	}
	c.initialized = true
	c.initializeCalls++
	return nil
}

func (c *fakeInternalConn) InitMysqlOnly() error {
	c.initialized = true
	c.initMysqlCalls++
	return nil
}

func (c *fakeInternalConn) HasInitialized() bool { return c.initialized }

func (c *fakeInternalConn) Close() { c.closeCalls++ }

func (c *fakeInternalConn) OK() bool { return c.errno == 0 }

func (c *fakeInternalConn) Errno() uint16        { return c.errno }
func (c *fakeInternalConn) ErrorMessage() string { return c.errmsg }

func (c *fakeInternalConn) SocketDescriptor() int { return c.fd }

func (c *fakeInternalConn) WaitDirection() eventloop.IODirection { return c.waitDir }

func (c *fakeInternalConn) DoneWithTCPHandshake() bool { return c.doneTCPHandshake }

func (c *fakeInternalConn) ConnectStageName() string { return c.stage }

func (c *fakeInternalConn) ServerInfo() string { return c.serverInfo }

func (c *fakeInternalConn) TLSVersion() string { return c.tlsVersion }

func (c *fakeInternalConn) ConnectionID() uint32 { return c.connID }

func (c *fakeInternalConn) SetConnectAttributes(attrs map[string]string) { c.attrs = attrs }

func (c *fakeInternalConn) SetCompression(codec string) error {
	c.compression = codec
	return nil
}

func (c *fakeInternalConn) SetSSLOptionsProvider(provider SSLOptionsProvider) bool {
	c.provider = provider
	return true
}

func (c *fakeInternalConn) SetSniServerName(name string) { c.sni = name }

func (c *fakeInternalConn) SetDscp(dscp uint8) bool {
	d := dscp
	c.dscp = &d
	return true
}

func (c *fakeInternalConn) SetConnectTimeout(timeout time.Duration) { c.connTimeout = timeout }

func (c *fakeInternalConn) SetCertValidator(hook func(cert interface{}) (int, string)) {
	c.certHook = hook
}

func (c *fakeInternalConn) AffectedRows() uint64 { return c.affectedRows }

func (c *fakeInternalConn) LastInsertID() uint64 { return c.lastInsertID }

func (c *fakeInternalConn) RecvGtid() string { return c.recvGtid }

func (c *fakeInternalConn) ResponseAttributes() map[string]string { return c.respAttrs }

func (c *fakeInternalConn) HasMoreResults() bool {
	if len(c.hasMoreQueue) == 0 {
		return false
	}
	more := c.hasMoreQueue[0]
	c.hasMoreQueue = c.hasMoreQueue[1:]
	return more
}

// fakeResult is a driver-level result handle with fixed metadata.
type fakeResult struct {
	fields *RowFields
}

func (r *fakeResult) RowFields() *RowFields { return r.fields }

// stubDelayLoop reports a fixed callback delay so stall attribution can be
// pinned in tests.
type stubDelayLoop struct {
	*eventloop.TaskLoop
	delayUs int64
}

func (l *stubDelayLoop) CallbackDelayMicrosAvg() int64 {
	return l.delayUs
}

func testKey() *ConnectionKey {
	return NewConnectionKey(ConnectionKeyParams{
		Host:     "127.0.0.1",
		Port:     3306,
		User:     "tester",
		Database: "testdb",
		Password: "secret",
	})
}

// recordingNotify captures the notification stream and optionally pauses or
// cancels from inside a callback.
type recordingNotify struct {
	mu     sync.Mutex
	events []string

	pauseOnFirstRowsReady bool
	pausedOnce            bool

	cancelOnRowsReady bool

	consumeRows bool
	rows        [][]string
}

func (n *recordingNotify) record(event string) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotify) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *recordingNotify) NotifyInitQuery(op *FetchOperation) {
	n.record("init_query")
}

func (n *recordingNotify) NotifyRowsReady(op *FetchOperation) {
	n.record("rows_ready")
	if n.cancelOnRowsReady {
		n.cancelOnRowsReady = false
		op.Cancel()
		return
	}
	if n.pauseOnFirstRowsReady && !n.pausedOnce {
		n.pausedOnce = true
		op.PauseForConsumer()
		return
	}
	if n.consumeRows {
		n.drain(op)
	}
}

func (n *recordingNotify) drain(op *FetchOperation) {
	stream := op.RowStream()
	if stream == nil {
		return
	}
	for stream.HasNext() {
		row, ok := stream.ConsumeRow()
		if !ok {
			break
		}
		cols := make([]string, len(row.Values))
		for i, v := range row.Values {
			cols[i] = string(v)
		}
		n.mu.Lock()
		n.rows = append(n.rows, cols)
		n.mu.Unlock()
	}
}

func (n *recordingNotify) NotifyQuerySuccess(op *FetchOperation, hasMoreResults bool) {
	if hasMoreResults {
		n.record("query_success_more")
	} else {
		n.record("query_success")
	}
}

func (n *recordingNotify) NotifyFailure(op *FetchOperation, result OperationResult) {
	n.record("failure_" + result.String())
}

func (n *recordingNotify) NotifyOperationCompleted(op *FetchOperation, result OperationResult) {
	n.record("completed_" + result.String())
}
