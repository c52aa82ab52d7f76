package client

import (
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
)

// Status is the outcome of one non-blocking driver verb.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusMoreResults
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	case StatusMoreResults:
		return "more_results"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// CapabilityFlags are passed through to the driver on connect.
type CapabilityFlags uint32

const (
	// CapClientMultiStatements is always set by ConnectOperation so that
	// multi-query fetches work on the resulting connection.
	CapClientMultiStatements CapabilityFlags = 1 << 16
	CapClientCompress        CapabilityFlags = 1 << 5
)

// SSLOptionsProvider supplies TLS configuration and an optional resumable
// session. TLS library bindings themselves live outside this package.
type SSLOptionsProvider interface {
	// ServerName returns the SNI name, empty if unset.
	ServerName() string
	// StoreSession is given the connection after a successful handshake so
	// the provider can stash a resumable session. Returns true if stored.
	StoreSession(conn InternalConnection) bool
}

// InternalConnection is the driver-level connection handle the operations
// drive. Implementations: the blocking go-mysql binding in pkg/driver and the
// mocks used by tests. All methods are called from the connection's loop
// thread unless noted.
type InternalConnection interface {
	// Initialize sets up the full connection object, socket included.
	Initialize() error
	// InitMysqlOnly drops the prior socket but keeps connection object
	// state. Used between connect attempts.
	InitMysqlOnly() error
	HasInitialized() bool
	Close()

	// OK reports whether the connection is usable (no fatal error).
	OK() bool
	Errno() uint16
	ErrorMessage() string

	// SocketDescriptor returns the fd to watch while a verb is pending.
	// Values <= 0 are invalid.
	SocketDescriptor() int
	// WaitDirection tells which readiness the driver asked for after it
	// returned StatusPending.
	WaitDirection() eventloop.IODirection

	DoneWithTCPHandshake() bool
	ConnectStageName() string

	ServerInfo() string
	TLSVersion() string
	ConnectionID() uint32

	SetConnectAttributes(attrs map[string]string)
	SetCompression(codec string) error
	SetSSLOptionsProvider(provider SSLOptionsProvider) bool
	SetSniServerName(name string)
	SetDscp(dscp uint8) bool
	SetConnectTimeout(timeout time.Duration)
	// SetCertValidator installs a driver-level certificate hook. The hook
	// returns 0 when the certificate is accepted, 1 otherwise, plus an
	// optional error string.
	SetCertValidator(hook func(cert interface{}) (int, string))

	// Per-result-set accounting, valid after the current statement's
	// result has been fully read or acked.
	AffectedRows() uint64
	LastInsertID() uint64
	RecvGtid() string
	ResponseAttributes() map[string]string
	HasMoreResults() bool
}

// RowFields is the column metadata of one result set.
type RowFields struct {
	Names  []string
	Tables []string
	Types  []byte
}

func (f *RowFields) NumFields() int {
	if f == nil {
		return 0
	}
	return len(f.Names)
}

// EphemeralRow is one fetched row. Values alias driver buffers and are only
// valid until the next row is fetched; nil value means SQL NULL.
type EphemeralRow struct {
	Values [][]byte
	Fields *RowFields
}

// ByteSize is a best-effort count of the row payload bytes. It does not
// include column metadata or packet overhead.
func (r EphemeralRow) ByteSize() uint64 {
	var total uint64
	for _, v := range r.Values {
		total += uint64(len(v))
	}
	return total
}

// InternalResult is the driver-level handle of one streamed result set.
type InternalResult interface {
	RowFields() *RowFields
}

// MysqlHandler is the set of non-blocking verbs the operations are built on.
// Each verb either finishes (StatusDone / StatusError) or parks
// (StatusPending), in which case the caller registers the connection's fd and
// re-invokes the verb when the socket is ready. Blocking drivers never return
// StatusPending.
type MysqlHandler interface {
	// NewInternalConnection builds the driver-level handle a Connection
	// owns for its lifetime.
	NewInternalConnection(key *ConnectionKey) InternalConnection

	TryConnect(conn InternalConnection, opts *ConnectionOptions, key *ConnectionKey, flags CapabilityFlags) Status
	RunQuery(conn InternalConnection, query string) Status
	// NextResult advances to the next statement's result set.
	// StatusMoreResults means a result set is now current.
	NextResult(conn InternalConnection) Status
	FieldCount(conn InternalConnection) int
	GetResult(conn InternalConnection) InternalResult
	// FetchRow returns the next row of res. A nil row with StatusDone
	// terminates the result set.
	FetchRow(res InternalResult) ([][]byte, Status)
	ResetConn(conn InternalConnection) Status
	ChangeUser(conn InternalConnection, key *ConnectionKey) Status
}

// QueryKiller is implemented by handlers that can issue a best-effort
// server-side KILL QUERY for a connection. Invoked from its own goroutine,
// never from the loop thread.
type QueryKiller interface {
	KillRunningQuery(key *ConnectionKey, connID uint32)
}
