package driver

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/client"
	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	utilerrors "github.com/db-incubator/asyncmysql/pkg/util/errors"
	"github.com/pingcap/tidb/util/logutil"
	gomysql "github.com/siddontang/go-mysql/client"
	"github.com/siddontang/go-mysql/mysql"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultBlockingConnectTimeout = 30 * time.Second

// BlockingHandler implements the client.MysqlHandler verbs over the
// go-mysql blocking client. Verbs never return StatusPending: every call
// runs to completion inline, which is exactly what the inline loop expects.
// Multi-statement queries are executed statement at a time by the adapter.
type BlockingHandler struct{}

func NewBlockingHandler() *BlockingHandler {
	return &BlockingHandler{}
}

// NewSyncClient is the inline-blocking client: InlineLoop plus
// BlockingHandler. Operations run to completion inside Run.
func NewSyncClient() *client.Client {
	return client.NewClient(NewBlockingHandler(), eventloop.NewInlineLoop())
}

func (h *BlockingHandler) NewInternalConnection(key *client.ConnectionKey) client.InternalConnection {
	return &blockingConn{key: key}
}

func (h *BlockingHandler) TryConnect(conn client.InternalConnection, opts *client.ConnectionOptions, key *client.ConnectionKey, flags client.CapabilityFlags) client.Status {
	return conn.(*blockingConn).connect(key)
}

func (h *BlockingHandler) RunQuery(conn client.InternalConnection, query string) client.Status {
	return conn.(*blockingConn).runQuery(query)
}

func (h *BlockingHandler) NextResult(conn client.InternalConnection) client.Status {
	return conn.(*blockingConn).nextResult()
}

func (h *BlockingHandler) FieldCount(conn client.InternalConnection) int {
	return conn.(*blockingConn).fieldCount()
}

func (h *BlockingHandler) GetResult(conn client.InternalConnection) client.InternalResult {
	return conn.(*blockingConn).getResult()
}

func (h *BlockingHandler) FetchRow(res client.InternalResult) ([][]byte, client.Status) {
	return res.(*blockingResult).fetchRow()
}

func (h *BlockingHandler) ResetConn(conn client.InternalConnection) client.Status {
	return conn.(*blockingConn).resetConn()
}

func (h *BlockingHandler) ChangeUser(conn client.InternalConnection, key *client.ConnectionKey) client.Status {
	return conn.(*blockingConn).changeUser(key)
}

// KillRunningQuery opens a short-lived side connection and issues
// KILL QUERY for the target thread id.
func (h *BlockingHandler) KillRunningQuery(key *client.ConnectionKey, connID uint32) {
	conn, err := gomysql.Connect(key.Addr(), key.User(), key.Password(), key.Database())
	if err != nil {
		logutil.BgLogger().Warn("kill query connection failed",
			zap.String("addr", key.Addr()), zap.Error(err))
		return
	}
	defer conn.Close()
	if _, err := conn.Execute(fmt.Sprintf("KILL QUERY %d", connID)); err != nil {
		logutil.BgLogger().Warn("kill query failed",
			zap.Uint32("conn_id", connID), zap.Error(err))
	}
}

// blockingConn is the driver-level connection handle. One result set of the
// multi-query is current at a time; the remaining statements stay queued
// until NextResult executes them.
type blockingConn struct {
	key  *client.ConnectionKey
	conn *gomysql.Conn

	initialized bool

	lastErrno  uint16
	lastErrmsg string

	connectTimeout time.Duration
	attrs          map[string]string
	sniServerName  string
	compression    string
	provider       client.SSLOptionsProvider
	certHook       func(cert interface{}) (int, string)
	dscp           *uint8

	pendingStatements []string
	currentResult     *mysql.Result
	serverVersion     string

	fd int
}

func (c *blockingConn) Initialize() error {
	c.initialized = true
	return nil
}

func (c *blockingConn) InitMysqlOnly() error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.fd = 0
	}
	c.initialized = true
	return nil
}

func (c *blockingConn) HasInitialized() bool {
	return c.initialized
}

func (c *blockingConn) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.fd = 0
	}
}

func (c *blockingConn) OK() bool {
	return c.conn != nil && c.lastErrno == 0
}

func (c *blockingConn) Errno() uint16        { return c.lastErrno }
func (c *blockingConn) ErrorMessage() string { return c.lastErrmsg }

// setError snapshots err as the driver error. Server errors keep their own
// errno; a dead connection maps to CR_SERVER_GONE_ERROR and everything else
// to CR_SERVER_LOST.
func (c *blockingConn) setError(err error) {
	if myErr, ok := err.(*mysql.MyError); ok {
		c.lastErrno = myErr.Code
		c.lastErrmsg = myErr.Message
		return
	}
	if utilerrors.Is(err, mysql.ErrBadConn) {
		c.lastErrno = client.ErrnoServerGone
		c.lastErrmsg = err.Error()
		return
	}
	c.lastErrno = client.ErrnoServerLost
	c.lastErrmsg = err.Error()
}

func (c *blockingConn) clearError() {
	c.lastErrno = 0
	c.lastErrmsg = ""
}

func (c *blockingConn) connect(key *client.ConnectionKey) client.Status {
	if c.conn != nil {
		return client.StatusDone
	}
	timeout := c.connectTimeout
	if timeout == 0 {
		timeout = defaultBlockingConnectTimeout
	}

	type dialResult struct {
		conn *gomysql.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := gomysql.Connect(key.Addr(), key.User(), key.Password(), key.Database())
		ch <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			c.lastErrno = client.ErrnoConnHostError
			c.lastErrmsg = r.err.Error()
			return client.StatusError
		}
		c.conn = r.conn
		c.fd = fdOfConn(r.conn)
		c.clearError()
		c.applyDscp()
		return client.StatusDone
	case <-time.After(timeout):
		go func() {
			// reap the dial once it finally returns
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		c.lastErrno = client.ErrnoConnHostError
		c.lastErrmsg = fmt.Sprintf("connect to %s timed out after %s", key.Addr(), timeout)
		return client.StatusError
	}
}

func (c *blockingConn) runQuery(query string) client.Status {
	c.pendingStatements = splitStatements(query)
	if len(c.pendingStatements) == 0 {
		c.lastErrno = client.ErrnoServerLost
		c.lastErrmsg = "empty query"
		return client.StatusError
	}
	return c.executeNext()
}

func (c *blockingConn) nextResult() client.Status {
	if len(c.pendingStatements) == 0 {
		return client.StatusDone
	}
	if st := c.executeNext(); st == client.StatusError {
		return st
	}
	return client.StatusMoreResults
}

func (c *blockingConn) executeNext() client.Status {
	stmt := c.pendingStatements[0]
	c.pendingStatements = c.pendingStatements[1:]
	result, err := c.conn.Execute(stmt)
	if err != nil {
		c.currentResult = nil
		c.setError(err)
		return client.StatusError
	}
	c.currentResult = result
	c.clearError()
	return client.StatusDone
}

func (c *blockingConn) fieldCount() int {
	if c.currentResult == nil || c.currentResult.Resultset == nil {
		return 0
	}
	return len(c.currentResult.Resultset.Fields)
}

func (c *blockingConn) getResult() client.InternalResult {
	return newBlockingResult(c.currentResult)
}

func (c *blockingConn) resetConn() client.Status {
	if c.conn == nil {
		c.lastErrno = client.ErrnoServerGone
		c.lastErrmsg = "connection is closed"
		return client.StatusError
	}
	if err := c.conn.Rollback(); err != nil {
		c.setError(err)
		return client.StatusError
	}
	if err := c.conn.Ping(); err != nil {
		c.setError(err)
		return client.StatusError
	}
	c.clearError()
	return client.StatusDone
}

// changeUser is emulated: the blocking client has no COM_CHANGE_USER verb,
// so the connection is torn down and re-dialed under the new credentials.
func (c *blockingConn) changeUser(key *client.ConnectionKey) client.Status {
	c.Close()
	c.key = key
	return c.connect(key)
}

func (c *blockingConn) SocketDescriptor() int {
	return c.fd
}

func (c *blockingConn) WaitDirection() eventloop.IODirection {
	return eventloop.DirectionRead
}

func (c *blockingConn) DoneWithTCPHandshake() bool {
	return c.conn != nil
}

func (c *blockingConn) ConnectStageName() string {
	if c.conn != nil {
		return "established"
	}
	if c.initialized {
		return "connecting"
	}
	return "init"
}

func (c *blockingConn) ServerInfo() string {
	if c.serverVersion != "" || c.conn == nil {
		return c.serverVersion
	}
	result, err := c.conn.Execute("SELECT VERSION()")
	if err == nil && result.Resultset != nil && len(result.Values) > 0 {
		c.serverVersion = valueToString(result.Values[0][0])
	}
	return c.serverVersion
}

func (c *blockingConn) TLSVersion() string {
	return ""
}

func (c *blockingConn) ConnectionID() uint32 {
	if c.conn == nil {
		return 0
	}
	return c.conn.GetConnectionID()
}

func (c *blockingConn) SetConnectAttributes(attrs map[string]string) {
	c.attrs = attrs
}

func (c *blockingConn) SetCompression(codec string) error {
	// the blocking client speaks the uncompressed protocol only
	c.compression = codec
	return fmt.Errorf("compression %q not supported by the blocking driver", codec)
}

func (c *blockingConn) SetSSLOptionsProvider(provider client.SSLOptionsProvider) bool {
	c.provider = provider
	return false
}

func (c *blockingConn) SetSniServerName(name string) {
	c.sniServerName = name
}

func (c *blockingConn) SetDscp(dscp uint8) bool {
	d := dscp
	c.dscp = &d
	if c.conn != nil {
		return c.applyDscp()
	}
	return true
}

func (c *blockingConn) applyDscp() bool {
	if c.dscp == nil || c.fd <= 0 {
		return true
	}
	tos := int(*c.dscp) << 2
	if err := unix.SetsockoptInt(c.fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return false
	}
	return true
}

func (c *blockingConn) SetConnectTimeout(timeout time.Duration) {
	c.connectTimeout = timeout
}

func (c *blockingConn) SetCertValidator(hook func(cert interface{}) (int, string)) {
	c.certHook = hook
}

func (c *blockingConn) AffectedRows() uint64 {
	if c.currentResult == nil {
		return 0
	}
	return c.currentResult.AffectedRows
}

func (c *blockingConn) LastInsertID() uint64 {
	if c.currentResult == nil {
		return 0
	}
	return c.currentResult.InsertId
}

func (c *blockingConn) RecvGtid() string {
	// session-track GTIDs are not surfaced by the blocking client
	return ""
}

func (c *blockingConn) ResponseAttributes() map[string]string {
	return nil
}

func (c *blockingConn) HasMoreResults() bool {
	return len(c.pendingStatements) > 0
}

// blockingResult walks an already materialized result set row by row so the
// fetch machine sees the same cursor shape the non-blocking driver gives it.
type blockingResult struct {
	result *mysql.Result
	fields *client.RowFields
	cursor int
}

func newBlockingResult(result *mysql.Result) *blockingResult {
	r := &blockingResult{result: result}
	if result != nil && result.Resultset != nil {
		fields := &client.RowFields{}
		for _, f := range result.Resultset.Fields {
			fields.Names = append(fields.Names, string(f.Name))
			fields.Tables = append(fields.Tables, string(f.Table))
			fields.Types = append(fields.Types, byte(f.Type))
		}
		r.fields = fields
	}
	return r
}

func (r *blockingResult) RowFields() *client.RowFields {
	return r.fields
}

func (r *blockingResult) fetchRow() ([][]byte, client.Status) {
	if r.result == nil || r.result.Resultset == nil {
		return nil, client.StatusDone
	}
	if r.cursor >= len(r.result.Values) {
		return nil, client.StatusDone
	}
	values := r.result.Values[r.cursor]
	r.cursor++
	row := make([][]byte, len(values))
	for i := range values {
		v := values[i].Value()
		if v == nil {
			continue
		}
		row[i] = []byte(valueToString(v))
	}
	return row, client.StatusDone
}

func valueToString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// splitStatements is a byte-level split on top-level semicolons. Quoted
// strings and backticked identifiers are respected; full SQL parsing stays
// out of scope.
func splitStatements(query string) []string {
	var stmts []string
	var quote byte
	start := 0
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if quote != 0 {
			if ch == '\\' && quote != '`' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"', '`':
			quote = ch
		case ';':
			if stmt := strings.TrimSpace(query[start:i]); stmt != "" {
				stmts = append(stmts, stmt)
			}
			start = i + 1
		}
	}
	if stmt := strings.TrimSpace(query[start:]); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}

type rawConnGetter interface {
	SyscallConn() (syscall.RawConn, error)
}

// fdOfConn digs the socket descriptor out of the go-mysql connection. The
// descriptor is only used for readiness watching and DSCP marking; when it
// cannot be extracted a positive placeholder keeps the blocking path (which
// never parks) working.
func fdOfConn(conn *gomysql.Conn) int {
	if conn == nil || conn.Conn == nil {
		return 0
	}
	sc, ok := conn.Conn.Conn.(rawConnGetter)
	if !ok {
		return 1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 1
	}
	fd := 1
	_ = raw.Control(func(rawFd uintptr) {
		fd = int(rawFd)
	})
	return fd
}
