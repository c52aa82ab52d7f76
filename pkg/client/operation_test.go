package client

import (
	"testing"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/eventloop"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestConnectionKeyEquality(t *testing.T) {
	a := testKey()
	b := NewConnectionKey(ConnectionKeyParams{
		Host:     "127.0.0.1",
		Port:     3306,
		User:     "tester",
		Database: "testdb",
		Password: "secret",
	})
	c := NewConnectionKey(ConnectionKeyParams{
		Host:     "127.0.0.1",
		Port:     3307,
		User:     "tester",
		Database: "testdb",
		Password: "secret",
	})

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(nil))
	require.Equal(t, "127.0.0.1:3306", a.Addr())
	require.NotContains(t, a.String(), "secret")
}

func TestConnectionKeyUnixSocketAddr(t *testing.T) {
	k := NewConnectionKey(ConnectionKeyParams{
		Host:           "localhost",
		UnixSocketPath: "/tmp/mysql.sock",
		User:           "tester",
	})
	require.Equal(t, "/tmp/mysql.sock", k.Addr())
}

func TestConnectionOptionsClone(t *testing.T) {
	opts := NewConnectionOptions().
		SetTimeout(2 * time.Second).
		SetAttribute("k", "v")
	require.NoError(t, opts.SetDscp(10))

	cloned := opts.Clone()
	cloned.SetAttribute("k", "changed")
	require.NoError(t, cloned.SetDscp(20))

	require.Equal(t, "v", opts.Attributes()["k"])
	d, ok := opts.Dscp()
	require.True(t, ok)
	require.Equal(t, uint8(10), d)
}

func TestConnectionOptionsValidation(t *testing.T) {
	opts := NewConnectionOptions()
	require.Error(t, opts.SetCompression("snappy"))
	require.NoError(t, opts.SetCompression(CompressionZlib))
	require.Error(t, opts.SetDscp(64))

	opts.SetConnectAttempts(0)
	require.Equal(t, uint32(1), opts.ConnectAttempts())
}

func TestTotalTimeoutDefaultsToAttemptsTimesTimeout(t *testing.T) {
	opts := NewConnectionOptions().
		SetTimeout(time.Second).
		SetConnectAttempts(3)
	require.Equal(t, 3*time.Second, opts.TotalTimeout())

	opts.SetTotalTimeout(2 * time.Second)
	require.Equal(t, 2*time.Second, opts.TotalTimeout())
}

func TestOperationCompletesOnceUnderCancelRace(t *testing.T) {
	fakeConn := newFakeInternalConn()
	handler := NewMockHandler(fakeConn)
	cli := NewClient(handler, eventloop.NewTaskLoop())
	defer cli.Close()

	handler.On("TryConnect", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(StatusDone).Maybe()

	completions := 0
	op := cli.BeginConnection(testKey())
	require.NoError(t, op.SetCallback(func(*ConnectOperation) {
		completions++
	}))
	require.NoError(t, op.Run())
	op.Cancel()
	op.Cancel()
	op.Wait()

	require.Equal(t, StateCompleted, op.State())
	require.Equal(t, 1, completions)
	result := op.Result()
	require.True(t, result == ResultSucceeded || result == ResultCancelled)
}

func TestWaitBlocksUntilCompletionAsync(t *testing.T) {
	fakeConn := newFakeInternalConn()
	handler := NewMockHandler(fakeConn)
	cli := NewClient(handler, eventloop.NewTaskLoop())
	defer cli.Close()

	release := make(chan struct{})
	handler.On("TryConnect", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(StatusDone).Once().
		Run(func(args mock.Arguments) {
			<-release
		})

	op := cli.BeginConnection(testKey())
	require.NoError(t, op.Run())

	waited := make(chan struct{})
	go func() {
		op.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("wait returned before completion")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after completion")
	}
	require.Equal(t, ResultSucceeded, op.Result())
}

func TestResetOperation(t *testing.T) {
	fakeConn := newFakeInternalConn()
	handler := NewMockHandler(fakeConn)
	cli := NewClient(handler, eventloop.NewInlineLoop())
	defer cli.Close()
	conn := newConnection(cli, testKey())

	handler.On("ResetConn", mock.Anything).Return(StatusDone).Once()

	op := conn.BeginReset()
	require.NoError(t, op.MustSucceed())
	require.Equal(t, ResultSucceeded, op.Result())
	handler.AssertExpectations(t)
}

func TestChangeUserOperation(t *testing.T) {
	fakeConn := newFakeInternalConn()
	handler := NewMockHandler(fakeConn)
	cli := NewClient(handler, eventloop.NewInlineLoop())
	defer cli.Close()
	conn := newConnection(cli, testKey())

	newKey := NewConnectionKey(ConnectionKeyParams{
		Host:     "127.0.0.1",
		Port:     3306,
		User:     "other",
		Database: "otherdb",
		Password: "pw",
	})
	handler.On("ChangeUser", mock.Anything, newKey).Return(StatusDone).Once()

	op := conn.BeginChangeUser(newKey)
	require.NoError(t, op.MustSucceed())
	require.Equal(t, ResultSucceeded, op.Result())
	// the connection takes on the new identity
	require.True(t, conn.Key().Equal(newKey))
	handler.AssertExpectations(t)
}

func TestChangeUserFailureKeepsIdentity(t *testing.T) {
	fakeConn := newFakeInternalConn()
	handler := NewMockHandler(fakeConn)
	cli := NewClient(handler, eventloop.NewInlineLoop())
	defer cli.Close()
	conn := newConnection(cli, testKey())
	oldKey := conn.Key()

	newKey := NewConnectionKey(ConnectionKeyParams{Host: "h", Port: 1, User: "u"})
	handler.On("ChangeUser", mock.Anything, newKey).Return(StatusError).Once().
		Run(func(args mock.Arguments) {
			fakeConn.errno = 1045
			fakeConn.errmsg = "Access denied"
		})

	op := conn.BeginChangeUser(newKey)
	require.Error(t, op.MustSucceed())
	require.Equal(t, ResultFailed, op.Result())
	require.Equal(t, uint16(1045), op.Errno())
	require.True(t, conn.Key().Equal(oldKey))
}

func TestErrnoExtraction(t *testing.T) {
	err := &MysqlError{Code: 2013, Message: "Lost connection"}
	require.Equal(t, uint16(2013), Errno(err))
	require.Equal(t, uint16(0), Errno(nil))
}
