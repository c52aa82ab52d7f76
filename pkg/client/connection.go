package client

import (
	"sync"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

// Connection binds one InternalConnection to its owning client and loop and
// routes operation scheduling. A Connection hosts at most one active
// operation at a time. The async and sync variants differ only in how
// runInThread / wait / notify behave, which the EventLoop encapsulates, so
// the operations carry no sync/async awareness.
type Connection struct {
	client   *Client
	key      *ConnectionKey
	internal InternalConnection
	loop     eventloop.EventLoop

	opMu     sync.Mutex
	activeOp *baseOperation

	// transferred from the ConnectOperation on completion
	opts               *ConnectionOptions
	killOnQueryTimeout bool
	serverVersion      string

	closed bool
}

func newConnection(c *Client, key *ConnectionKey) *Connection {
	return &Connection{
		client:   c,
		key:      key,
		internal: c.handler.NewInternalConnection(key),
		loop:     c.loop,
	}
}

func (c *Connection) Key() *ConnectionKey {
	return c.key
}

func (c *Connection) Client() *Client {
	return c.client
}

// ServerVersion is recorded at connect completion.
func (c *Connection) ServerVersion() string {
	return c.serverVersion
}

func (c *Connection) Options() *ConnectionOptions {
	return c.opts
}

func (c *Connection) KillOnQueryTimeout() bool {
	return c.killOnQueryTimeout
}

func (c *Connection) OK() bool {
	return c.internal != nil && c.internal.OK()
}

// attachOperation claims the connection for op. A connection hosts at most
// one active operation at a time.
func (c *Connection) attachOperation(op *baseOperation) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.activeOp != nil {
		return false
	}
	c.activeOp = op
	return true
}

func (c *Connection) detachOperation(op *baseOperation) {
	c.opMu.Lock()
	if c.activeOp == op {
		c.activeOp = nil
	}
	c.opMu.Unlock()
}

// runInThread posts fn onto the connection's loop. The inline loop invokes
// fn before returning. Returns false when the loop has shut down.
func (c *Connection) runInThread(fn func()) bool {
	return c.loop.RunInThread(fn)
}

// wait blocks the caller until op completes. No-op on inline loops: the
// operation already ran to completion inside Run.
func (c *Connection) wait(op *baseOperation) {
	if c.loop.Inline() {
		return
	}
	<-op.done
}

// notify signals the waiter of op. Runs once per operation, at completion.
func (c *Connection) notify(op *baseOperation) {
	if c.loop.Inline() {
		return
	}
	close(op.done)
}

// BeginQuery creates a streaming fetch for one or more statements issued as
// a single multi-query. notify receives the stream notifications on the
// loop thread.
func (c *Connection) BeginQuery(query string, notify FetchNotify) *FetchOperation {
	return newFetchOperation(c, query, notify, OpTypeMultiQuery)
}

// Query runs query to completion and buffers every result set.
func (c *Connection) Query(query string) *QueryOperation {
	return newQueryOperation(c, query)
}

// BeginReset starts a connection-state reset.
func (c *Connection) BeginReset() *ResetOperation {
	return newResetOperation(c)
}

// BeginChangeUser re-authenticates the connection under key's credentials.
func (c *Connection) BeginChangeUser(key *ConnectionKey) *ChangeUserOperation {
	return newChangeUserOperation(c, key)
}

// Close releases the connection. Depending on the options transferred at
// connect time it first resets server-side session state, either inline
// (resetConnBeforeClose) or deferred onto the client's reset wheel
// (delayedResetConn).
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true

	if c.internal == nil || !c.internal.HasInitialized() {
		return
	}

	if c.opts != nil && c.opts.DelayedResetConn() {
		c.client.scheduleDelayedReset(c)
		return
	}
	if c.opts != nil && c.opts.ResetConnBeforeClose() {
		op := c.BeginReset()
		if err := op.Run(); err == nil {
			op.Wait()
			if !op.OK() {
				logutil.BgLogger().Warn("reset before close failed",
					zap.String("conn", c.key.String()),
					zap.Uint16("errno", op.Errno()),
					zap.String("message", op.ErrorMessage()))
			}
		}
	}
	c.closeNow()
}

func (c *Connection) closeNow() {
	c.runInThread(func() {
		c.internal.Close()
	})
}

// ConnectionID is the server-side thread id, used for best-effort kills.
func (c *Connection) ConnectionID() uint32 {
	return c.internal.ConnectionID()
}

func (c *Connection) queryTimeout() time.Duration {
	if c.opts == nil {
		return 0
	}
	return c.opts.QueryTimeout()
}
