package mux_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/relaycache/relay/contrib/log"
	"github.com/relaycache/relay/internal/mux"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestAcceptAndReadDispatch(t *testing.T) {
	listenerFd, listenerPoke := socketpair(t)
	defer unix.Close(listenerPoke)

	accepted := make(chan struct{}, 1)
	m, err := mux.New(log.GetLogger(), listenerFd, func() {
		// consume the readiness the way a real accept loop would, so the
		// level-triggered poll does not dispatch onAccept again.
		var b [1]byte
		_, _ = unix.Read(listenerFd, b[:])
		accepted <- struct{}{}
	})
	require.NoError(t, err)
	defer unix.Close(listenerFd)

	dataFd, dataPoke := socketpair(t)
	defer unix.Close(dataPoke)

	gotRead := make(chan int16, 1)
	m.Add(dataFd, func(fd int, revents int16) {
		gotRead <- revents
	})
	m.EnableIn(dataFd)

	go m.Run()

	_, err = unix.Write(listenerPoke, []byte("x"))
	require.NoError(t, err)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("onAccept was not invoked")
	}

	_, err = unix.Write(dataPoke, []byte("y"))
	require.NoError(t, err)

	select {
	case revents := <-gotRead:
		require.NotZero(t, revents&unix.POLLIN)
	case <-time.After(2 * time.Second):
		t.Fatal("registered callback was not dispatched")
	}

	m.Shutdown()
}

func TestShutdownDeliversHangupToEveryRegistration(t *testing.T) {
	listenerFd, listenerPoke := socketpair(t)
	defer unix.Close(listenerPoke)
	defer unix.Close(listenerFd)

	m, err := mux.New(log.GetLogger(), listenerFd, func() {})
	require.NoError(t, err)

	dataFd, dataPoke := socketpair(t)
	defer unix.Close(dataPoke)

	hangup := make(chan int16, 1)
	m.Add(dataFd, func(fd int, revents int16) {
		hangup <- revents
	})
	m.EnableIn(dataFd)

	done := make(chan error, 1)
	go func() { done <- m.Run() }()

	// give Run a moment to enter its first poll call before shutting down.
	time.Sleep(20 * time.Millisecond)
	m.Shutdown()

	select {
	case revents := <-hangup:
		require.NotZero(t, revents&unix.POLLHUP)
	case <-time.After(2 * time.Second):
		t.Fatal("hangup callback was not delivered on shutdown")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestCancelInStopsFurtherDispatch(t *testing.T) {
	listenerFd, listenerPoke := socketpair(t)
	defer unix.Close(listenerPoke)
	defer unix.Close(listenerFd)

	m, err := mux.New(log.GetLogger(), listenerFd, func() {})
	require.NoError(t, err)

	dataFd, dataPoke := socketpair(t)
	defer unix.Close(dataPoke)

	calls := make(chan int16, 4)
	m.Add(dataFd, func(fd int, revents int16) {
		calls <- revents
	})
	m.EnableIn(dataFd)
	m.CancelIn(dataFd)

	go m.Run()

	_, err = unix.Write(dataPoke, []byte("z"))
	require.NoError(t, err)

	select {
	case revents := <-calls:
		t.Fatalf("callback fired after CancelIn: %v", revents)
	case <-time.After(200 * time.Millisecond):
	}

	m.Shutdown()
	// draining the hangup delivered on shutdown.
	<-calls
}

func TestLenTracksRegistrations(t *testing.T) {
	listenerFd, listenerPoke := socketpair(t)
	defer unix.Close(listenerPoke)
	defer unix.Close(listenerFd)

	m, err := mux.New(log.GetLogger(), listenerFd, func() {})
	require.NoError(t, err)

	dataFd, dataPoke := socketpair(t)
	defer unix.Close(dataPoke)

	require.Equal(t, 0, m.Len())
	m.Add(dataFd, func(int, int16) {})
	require.Equal(t, 1, m.Len())
	m.Remove(dataFd)
	require.Equal(t, 0, m.Len())
}
