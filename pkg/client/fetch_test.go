package client

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type FetchOperationTestSuite struct {
	suite.Suite
	fakeConn *fakeInternalConn
	handler  *MockKillerHandler
}

func (s *FetchOperationTestSuite) SetupTest() {
	s.fakeConn = newFakeInternalConn()
	s.handler = NewMockKillerHandler(s.fakeConn)
}

func (s *FetchOperationTestSuite) newInlineConn() *Connection {
	cli := NewClient(s.handler, eventloop.NewInlineLoop())
	return newConnection(cli, testKey())
}

func row(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func singleColumnResult(name string) *fakeResult {
	return &fakeResult{fields: &RowFields{Names: []string{name}}}
}

func (s *FetchOperationTestSuite) TestSingleStatementStream() {
	conn := s.newInlineConn()
	defer conn.client.Close()

	res := singleColumnResult("a")
	s.handler.On("RunQuery", mock.Anything, "SELECT a FROM t").Return(StatusDone).Once()
	s.handler.On("FieldCount", mock.Anything).Return(1).Once()
	s.handler.On("GetResult", mock.Anything).Return(res).Once()
	s.handler.On("FetchRow", res).Return(row("1"), StatusDone).Once()
	s.handler.On("FetchRow", res).Return(row("2"), StatusDone).Once()
	s.handler.On("FetchRow", res).Return(nil, StatusDone).Once()

	notify := &recordingNotify{consumeRows: true}
	op := conn.BeginQuery("SELECT a FROM t", notify)
	require.NoError(s.T(), op.Run())
	op.Wait()

	require.Equal(s.T(), ResultSucceeded, op.Result())
	require.Equal(s.T(), [][]string{{"1"}, {"2"}}, notify.rows)
	require.Equal(s.T(), []string{
		"init_query",
		"rows_ready",
		"rows_ready",
		"query_success",
		"completed_succeeded",
	}, notify.Events())

	executed, err := op.NumQueriesExecuted()
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, executed)
	require.Equal(s.T(), uint64(2), op.RowsReceived())

	size, err := op.ResultSize()
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint64(2), size)
	s.handler.AssertExpectations(s.T())
}

func (s *FetchOperationTestSuite) TestMultiQueryStreamWithPause() {
	conn := s.newInlineConn()
	defer conn.client.Close()

	res1 := singleColumnResult("a")
	res2 := singleColumnResult("b")
	s.fakeConn.hasMoreQueue = []bool{true, false}

	s.handler.On("RunQuery", mock.Anything, "SELECT 1; SELECT 2").Return(StatusDone).Once()
	s.handler.On("FieldCount", mock.Anything).Return(1).Twice()
	s.handler.On("GetResult", mock.Anything).Return(res1).Once()
	s.handler.On("GetResult", mock.Anything).Return(res2).Once()
	s.handler.On("FetchRow", res1).Return(row("1"), StatusDone).Once()
	s.handler.On("FetchRow", res1).Return(nil, StatusDone).Once()
	s.handler.On("NextResult", mock.Anything).Return(StatusMoreResults).Once()
	s.handler.On("FetchRow", res2).Return(row("2"), StatusDone).Once()
	s.handler.On("FetchRow", res2).Return(nil, StatusDone).Once()

	notify := &recordingNotify{pauseOnFirstRowsReady: true, consumeRows: true}
	op := conn.BeginQuery("SELECT 1; SELECT 2", notify)
	require.NoError(s.T(), op.Run())

	// statement 1 paused inside NotifyRowsReady
	require.True(s.T(), op.IsPaused())
	require.Equal(s.T(), StatePending, op.State())

	_, err := op.NumQueriesExecuted()
	require.Equal(s.T(), ErrInvalidState, err)

	// another thread owns the stream while the fetch is paused
	var consumed [][]string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stream := op.RowStream()
		require.NotNil(s.T(), stream)
		for stream.HasNext() {
			r, ok := stream.ConsumeRow()
			require.True(s.T(), ok)
			consumed = append(consumed, []string{string(r.Values[0])})
		}
		op.Resume()
	}()
	wg.Wait()

	require.Equal(s.T(), ResultSucceeded, op.Result())
	require.Equal(s.T(), [][]string{{"1"}}, consumed)
	require.Equal(s.T(), [][]string{{"2"}}, notify.rows)
	require.Equal(s.T(), []string{
		"init_query",
		"rows_ready",
		"query_success_more",
		"init_query",
		"rows_ready",
		"query_success",
		"completed_succeeded",
	}, notify.Events())

	executed, err := op.NumQueriesExecuted()
	require.NoError(s.T(), err)
	require.Equal(s.T(), 2, executed)
	s.handler.AssertExpectations(s.T())
}

func (s *FetchOperationTestSuite) TestCancelMidFetch() {
	conn := s.newInlineConn()
	defer conn.client.Close()

	res := singleColumnResult("a")
	s.handler.On("RunQuery", mock.Anything, "SELECT a FROM big").Return(StatusDone).Once()
	s.handler.On("FieldCount", mock.Anything).Return(1).Once()
	s.handler.On("GetResult", mock.Anything).Return(res).Once()
	s.handler.On("FetchRow", res).Return(row("1"), StatusDone).Once()

	notify := &recordingNotify{cancelOnRowsReady: true}
	op := conn.BeginQuery("SELECT a FROM big", notify)
	require.NoError(s.T(), op.Run())

	require.Equal(s.T(), ResultCancelled, op.Result())
	require.Equal(s.T(), []string{
		"init_query",
		"rows_ready",
		"completed_cancelled",
	}, notify.Events())

	// best-effort kill was dispatched for the running query
	require.Eventually(s.T(), func() bool {
		ids := s.handler.killedIDs()
		return len(ids) == 1 && ids[0] == 42
	}, time.Second, 5*time.Millisecond)
	s.handler.AssertExpectations(s.T())
}

func (s *FetchOperationTestSuite) TestStatementFailureTerminatesFetch() {
	conn := s.newInlineConn()
	defer conn.client.Close()

	s.fakeConn.hasMoreQueue = []bool{true}
	s.fakeConn.affectedRows = 1

	s.handler.On("RunQuery", mock.Anything, "UPDATE t SET a = 1; SELECT bogus").
		Return(StatusDone).Once()
	s.handler.On("FieldCount", mock.Anything).Return(0).Once()
	s.handler.On("NextResult", mock.Anything).Return(StatusError).Once().
		Run(func(args mock.Arguments) {
			s.fakeConn.errno = 1064
			s.fakeConn.errmsg = "You have an error in your SQL syntax"
		})

	notify := &recordingNotify{}
	op := conn.BeginQuery("UPDATE t SET a = 1; SELECT bogus", notify)
	require.NoError(s.T(), op.Run())

	require.Equal(s.T(), ResultFailed, op.Result())
	require.Equal(s.T(), uint16(1064), op.Errno())
	require.Equal(s.T(), []string{
		"init_query",
		"query_success_more",
		"failure_failed",
		"completed_failed",
	}, notify.Events())

	executed, err := op.NumQueriesExecuted()
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, executed)
	s.handler.AssertExpectations(s.T())
}

func (s *FetchOperationTestSuite) TestBufferedQueryOperation() {
	conn := s.newInlineConn()
	defer conn.client.Close()

	res := singleColumnResult("a")
	s.fakeConn.hasMoreQueue = []bool{true, false}
	s.fakeConn.affectedRows = 3
	s.fakeConn.lastInsertID = 7
	s.fakeConn.recvGtid = "3E11FA47-71CA-11E1-9E33-C80AA9429562:23"
	s.fakeConn.respAttrs = map[string]string{"trx_state": "committed"}

	s.handler.On("RunQuery", mock.Anything, "SELECT a FROM t; UPDATE t SET a = 2").
		Return(StatusDone).Once()
	s.handler.On("FieldCount", mock.Anything).Return(1).Once()
	s.handler.On("GetResult", mock.Anything).Return(res).Once()
	s.handler.On("FetchRow", res).Return(row("x"), StatusDone).Once()
	s.handler.On("FetchRow", res).Return(nil, StatusDone).Once()
	s.handler.On("NextResult", mock.Anything).Return(StatusMoreResults).Once()
	s.handler.On("FieldCount", mock.Anything).Return(0).Once()

	op := conn.Query("SELECT a FROM t; UPDATE t SET a = 2")
	require.NoError(s.T(), op.MustSucceed())

	results, err := op.Results()
	require.NoError(s.T(), err)
	require.Len(s.T(), results, 2)

	require.Equal(s.T(), []string{"a"}, results[0].Fields.Names)
	require.Equal(s.T(), 1, results[0].NumRows())
	require.Equal(s.T(), "x", string(results[0].Rows[0][0]))

	require.Nil(s.T(), results[1].Fields)
	require.Equal(s.T(), uint64(3), results[1].AffectedRows)
	require.Equal(s.T(), uint64(7), results[1].LastInsertID)
	require.Equal(s.T(), "3E11FA47-71CA-11E1-9E33-C80AA9429562:23", results[1].RecvGtid)
	require.Equal(s.T(), "committed", results[1].RespAttrs["trx_state"])
	s.handler.AssertExpectations(s.T())
}

func (s *FetchOperationTestSuite) TestQueryTimeoutAsync() {
	r, _, err := os.Pipe()
	require.NoError(s.T(), err)
	defer r.Close()
	s.fakeConn.fd = int(r.Fd())

	cli := NewClient(s.handler, eventloop.NewTaskLoop())
	defer cli.Close()
	conn := newConnection(cli, testKey())

	s.handler.On("RunQuery", mock.Anything, "SELECT SLEEP(100)").Return(StatusPending)

	notify := &recordingNotify{}
	op := conn.BeginQuery("SELECT SLEEP(100)", notify)
	require.NoError(s.T(), op.SetQueryTimeout(30*time.Millisecond))
	require.NoError(s.T(), op.Run())
	op.Wait()

	require.Equal(s.T(), ResultTimedOut, op.Result())
	require.Equal(s.T(), ErrnoQueryTimeout, op.Errno())
	require.Contains(s.T(), op.ErrorMessage(), "Query timed out")
	require.Equal(s.T(), []string{
		"failure_timed_out",
		"completed_timed_out",
	}, notify.Events())
}

func (s *FetchOperationTestSuite) TestResultSizeIllegalBeforeRun() {
	conn := s.newInlineConn()
	defer conn.client.Close()

	op := conn.BeginQuery("SELECT 1", &recordingNotify{})
	_, err := op.ResultSize()
	require.Equal(s.T(), ErrInvalidState, err)
}

func (s *FetchOperationTestSuite) TestPendingRowsFetchAsync() {
	// one row arrives only after the socket signals readiness
	r, w, err := os.Pipe()
	require.NoError(s.T(), err)
	defer r.Close()
	defer w.Close()
	s.fakeConn.fd = int(r.Fd())

	cli := NewClient(s.handler, eventloop.NewTaskLoop())
	defer cli.Close()
	conn := newConnection(cli, testKey())

	res := singleColumnResult("a")
	s.handler.On("RunQuery", mock.Anything, "SELECT a FROM t").Return(StatusDone).Once()
	s.handler.On("FieldCount", mock.Anything).Return(1).Once()
	s.handler.On("GetResult", mock.Anything).Return(res).Once()
	s.handler.On("FetchRow", res).Return(nil, StatusPending).Once().
		Run(func(args mock.Arguments) {
			_, writeErr := w.Write([]byte{1})
			require.NoError(s.T(), writeErr)
		})
	s.handler.On("FetchRow", res).Return(row("1"), StatusDone).Once()
	s.handler.On("FetchRow", res).Return(nil, StatusDone).Once()

	notify := &recordingNotify{consumeRows: true}
	op := conn.BeginQuery("SELECT a FROM t", notify)
	require.NoError(s.T(), op.Run())
	op.Wait()

	require.Equal(s.T(), ResultSucceeded, op.Result())
	require.Equal(s.T(), [][]string{{"1"}}, notify.rows)
	s.handler.AssertExpectations(s.T())
}

func TestFetchOperationTestSuite(t *testing.T) {
	suite.Run(t, new(FetchOperationTestSuite))
}
