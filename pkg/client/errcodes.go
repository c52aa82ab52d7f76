package client

import (
	"github.com/pingcap/errors"

	utilerrors "github.com/db-incubator/asyncmysql/pkg/util/errors"
)

// Client-side error codes observable through Errno(). The 7xxx range is this
// library's own; the 2xxx codes match the MySQL client library.
const (
	ErrnoInitializationFailed    uint16 = 7000
	ErrnoConnTimeout             uint16 = 7005
	ErrnoConnTimeoutLoopStalled  uint16 = 7006
	ErrnoQueryTimeout            uint16 = 7007
	ErrnoQueryTimeoutLoopStalled uint16 = 7008

	ErrnoServerLost    uint16 = 2013 // CR_SERVER_LOST
	ErrnoConnHostError uint16 = 2003 // CR_CONN_HOST_ERROR
	ErrnoServerGone    uint16 = 2006 // CR_SERVER_GONE_ERROR
)

const errorPrefix = "(Mysql Client)"

var (
	// ErrInvalidState is returned by setters and accessors used outside
	// their permitted operation-state window.
	ErrInvalidState = errors.New("operation is not in a valid state for this call")

	// ErrRequiredOperationFailed is returned by MustSucceed when the
	// operation did not complete with Succeeded.
	ErrRequiredOperationFailed = errors.New("required operation failed")

	ErrLoopShutdown = errors.New("event loop rejected the operation")
)

// MysqlError is a snapshotted driver error: errno plus message, captured
// before any cleanup can clobber the driver state.
type MysqlError struct {
	Code    uint16
	Message string
}

func (e *MysqlError) Error() string {
	return e.Message
}

func (e *MysqlError) MysqlErrno() uint16 {
	return e.Code
}

// Errno extracts the snapshotted mysql errno out of err's cause chain,
// 0 if none.
func Errno(err error) uint16 {
	code, _ := utilerrors.ExtractErrno(err)
	return code
}
