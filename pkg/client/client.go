package client

import (
	"sync"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	"github.com/db-incubator/asyncmysql/pkg/metrics"
	"github.com/db-incubator/asyncmysql/pkg/util/timer"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

const (
	// average callback delay at or above which a fired timeout is
	// attributed to a stalled loop rather than the server
	callbackDelayStallThresholdUs = int64(50 * time.Millisecond / time.Microsecond)

	delayedResetTick    = 100 * time.Millisecond
	delayedResetBuckets = 128
	delayedResetDelay   = 1 * time.Second
)

// Client multiplexes operations over one EventLoop. The async client owns a
// TaskLoop; the sync client an InlineLoop plus a blocking handler, and the
// operations cannot tell them apart.
type Client struct {
	handler MysqlHandler
	loop    eventloop.EventLoop

	mu          sync.Mutex
	activeConns map[string]int // key.String() -> refcount
	operations  map[*baseOperation]struct{}

	resetWheel *timer.TimeWheel
	closed     bool
}

// NewClient builds a client over an arbitrary handler/loop pair. Most
// callers want pkg/driver's NewSyncClient or NewAsyncClient instead.
func NewClient(handler MysqlHandler, loop eventloop.EventLoop) *Client {
	c := &Client{
		handler:     handler,
		loop:        loop,
		activeConns: make(map[string]int),
		operations:  make(map[*baseOperation]struct{}),
	}
	if tw, err := timer.NewTimeWheel(delayedResetTick, delayedResetBuckets); err == nil {
		c.resetWheel = tw
		tw.Start()
	}
	return c
}

// NewAsyncClient is a Client on a fresh TaskLoop.
func NewAsyncClient(handler MysqlHandler) *Client {
	return NewClient(handler, eventloop.NewTaskLoop())
}

func (c *Client) Handler() MysqlHandler {
	return c.handler
}

func (c *Client) Loop() eventloop.EventLoop {
	return c.loop
}

// BeginConnection builds a ConnectOperation bound to a fresh Connection for
// key. The connection counts as active in the client until the operation
// completes.
func (c *Client) BeginConnection(key *ConnectionKey) *ConnectOperation {
	conn := newConnection(c, key)
	return newConnectOperation(conn, key)
}

func (c *Client) CallbackDelayMicrosAvg() int64 {
	return c.loop.CallbackDelayMicrosAvg()
}

func (c *Client) activeConnectionAdded(key *ConnectionKey) {
	c.mu.Lock()
	c.activeConns[key.String()]++
	c.mu.Unlock()
	metrics.ActiveConnectionsGauge.Inc()
}

func (c *Client) activeConnectionRemoved(key *ConnectionKey) {
	c.mu.Lock()
	ks := key.String()
	if n := c.activeConns[ks]; n <= 1 {
		delete(c.activeConns, ks)
	} else {
		c.activeConns[ks] = n - 1
	}
	c.mu.Unlock()
	metrics.ActiveConnectionsGauge.Dec()
}

func (c *Client) numActiveConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.activeConns {
		total += n
	}
	return total
}

func (c *Client) addOperation(op *baseOperation) {
	c.mu.Lock()
	c.operations[op] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeOperation(op *baseOperation) {
	c.mu.Lock()
	delete(c.operations, op)
	c.mu.Unlock()
}

func (c *Client) numInFlightOperations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.operations)
}

// Stats is a point-in-time snapshot served by the status API.
type Stats struct {
	ActiveConnections   int   `json:"active_connections"`
	InFlightOperations  int   `json:"in_flight_operations"`
	CallbackDelayMicros int64 `json:"callback_delay_micros_avg"`
}

func (c *Client) StatsSnapshot() Stats {
	metrics.CallbackDelayGauge.Set(float64(c.CallbackDelayMicrosAvg()))
	return Stats{
		ActiveConnections:   c.numActiveConnections(),
		InFlightOperations:  c.numInFlightOperations(),
		CallbackDelayMicros: c.CallbackDelayMicrosAvg(),
	}
}

// scheduleDelayedReset parks conn on the reset wheel: the server-side state
// reset happens off the close path, then the connection really closes.
func (c *Client) scheduleDelayedReset(conn *Connection) {
	if c.resetWheel == nil {
		conn.closeNow()
		return
	}
	err := c.resetWheel.Add(delayedResetDelay, conn, func() {
		op := conn.BeginReset()
		if runErr := op.Run(); runErr != nil {
			conn.closeNow()
			return
		}
		op.Wait()
		if !op.OK() {
			logutil.BgLogger().Warn("delayed reset failed",
				zap.String("conn", conn.key.String()),
				zap.Uint16("errno", op.Errno()))
		}
		conn.closeNow()
	})
	if err != nil {
		conn.closeNow()
	}
}

// logConnectionSuccess / logConnectionFailure are the client-level sinks the
// connect machine reports attempt outcomes into.
func (c *Client) logConnectionSuccess(op *ConnectOperation) {
	metrics.ConnectOutcomeCounter.WithLabelValues(metrics.OutcomeSuccess).Inc()
	logutil.BgLogger().Info("connection established",
		zap.String("conn", op.key.String()),
		zap.Uint32("attempts", op.attemptsMade),
		zap.Duration("elapsed", op.Elapsed()))
}

func (c *Client) logConnectionFailure(op *ConnectOperation, result OperationResult) {
	metrics.ConnectOutcomeCounter.WithLabelValues(result.String()).Inc()
	logutil.BgLogger().Warn("connection attempt failed",
		zap.String("conn", op.key.String()),
		zap.String("result", result.String()),
		zap.Uint32("attempts", op.attemptsMade),
		zap.Uint16("errno", op.Errno()),
		zap.String("message", op.ErrorMessage()),
		zap.Duration("elapsed", op.Elapsed()))
}

// Close drains the client: cancels in-flight operations, stops the reset
// wheel and shuts the loop down.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ops := make([]*baseOperation, 0, len(c.operations))
	for op := range c.operations {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
	for _, op := range ops {
		op.Wait()
	}
	if c.resetWheel != nil {
		c.resetWheel.Stop()
	}
	c.loop.Close()
}
