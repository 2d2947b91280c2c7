package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStdio_EchoMessage(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"cat"}}, nil)

	messages := make(chan []byte, 4)
	tr.SetHandler(Handler{
		OnMessage: func(data []byte) { messages <- data },
	})

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	select {
	case msg := <-messages:
		require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestStdio_NonJSONOutputIgnored(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"sh", "-c", `echo "plain log line"; echo '{"jsonrpc":"2.0","id":1}'; sleep 5`}}, nil)

	messages := make(chan []byte, 4)
	var errCount int
	tr.SetHandler(Handler{
		OnMessage: func(data []byte) { messages <- data },
		OnError:   func(error) { errCount++ },
	})

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	select {
	case msg := <-messages:
		require.JSONEq(t, `{"jsonrpc":"2.0","id":1}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for JSON message")
	}
	require.Zero(t, errCount, "non-JSON output must not surface as an error")
}

func TestStdio_SpawnFailureClassified(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"definitely-not-a-real-command-12345"}}, nil)
	tr.SetHandler(Handler{})

	err := tr.Start(context.Background())
	require.Error(t, err)

	var se *StartError
	require.True(t, errors.As(err, &se))
	require.Equal(t, ErrKindCommandNotFound, se.Kind)
	require.False(t, se.Retryable)
}

func TestStdio_UnexpectedExitFiresOnClose(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"sh", "-c", "exit 0"}}, nil)

	closed := make(chan struct{})
	tr.SetHandler(Handler{
		OnClose: func() { close(closed) },
	})

	require.NoError(t, tr.Start(context.Background()))

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose did not fire after process exit")
	}
}

func TestStdio_ManualCloseSuppressesOnClose(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"cat"}}, nil)

	closed := make(chan struct{}, 1)
	tr.SetHandler(Handler{
		OnClose: func() { closed <- struct{}{} },
	})

	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Close())

	select {
	case <-closed:
		t.Fatal("OnClose fired after manual Close")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStdio_CloseIdempotent(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"cat"}}, nil)
	tr.SetHandler(Handler{})

	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestStdio_SendAfterCloseFails(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"cat"}}, nil)
	tr.SetHandler(Handler{})

	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Close())

	err := tr.Send(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestStdio_Probe(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"cat"}}, nil)
	tr.SetHandler(Handler{})

	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Probe(context.Background()))

	require.NoError(t, tr.Close())
	require.Error(t, tr.Probe(context.Background()))
}

func TestStdio_RestartAfterClose(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: []string{"cat"}}, nil)

	messages := make(chan []byte, 4)
	tr.SetHandler(Handler{
		OnMessage: func(data []byte) { messages <- data },
	})

	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Close())

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"id":2}`)))
	select {
	case msg := <-messages:
		require.JSONEq(t, `{"id":2}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out after restart")
	}
}
