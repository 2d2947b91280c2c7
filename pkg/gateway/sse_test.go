package gateway

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSSEGateway(t *testing.T) (*httptest.Server, *SessionManager) {
	t.Helper()
	handler := testHandler(t)
	sessions := NewSessionManager(0, 0, nil)
	sse := NewSSEServer(handler, sessions, "/message", nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", sse.HandleStream)
	mux.HandleFunc("/message", sse.HandleMessage)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sessions
}

// readEvent reads one SSE event (type, data) from the stream.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var eventType, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && data != "":
			return eventType, data
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSEServer_EndpointAdvertisedAndMessagesFlow(t *testing.T) {
	srv, sessions := startSSEGateway(t)

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	eventType, endpoint := readEvent(t, reader)
	require.Equal(t, "endpoint", eventType)
	require.True(t, strings.HasPrefix(endpoint, "/message?sessionId="), endpoint)
	assert.Equal(t, 1, sessions.Count())

	u, err := url.Parse(endpoint)
	require.NoError(t, err)
	sessionID := u.Query().Get("sessionId")
	require.NotEmpty(t, sessionID)

	postResp, err := http.Post(srv.URL+endpoint, "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	postResp.Body.Close()
	require.Equal(t, http.StatusAccepted, postResp.StatusCode)

	eventType, data := readEvent(t, reader)
	assert.Equal(t, "message", eventType)
	assert.Contains(t, data, `"id":1`)
}

func TestSSEServer_UnknownSession(t *testing.T) {
	srv, _ := startSSEGateway(t)

	resp, err := http.Post(srv.URL+"/message?sessionId=ghost", "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEServer_SessionRemovedOnDisconnect(t *testing.T) {
	srv, sessions := startSSEGateway(t)

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	reader := bufio.NewReader(resp.Body)
	readEvent(t, reader)
	require.Equal(t, 1, sessions.Count())

	resp.Body.Close()

	require.Eventually(t, func() bool { return sessions.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionManager_StaleCleanup(t *testing.T) {
	m := NewSessionManager(50*time.Millisecond, 10, nil)
	s := m.Create()
	require.Equal(t, 1, m.Count())

	time.Sleep(80 * time.Millisecond)
	removed := m.CleanupStale()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, m.Count())

	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestSessionManager_CapEvictsStalest(t *testing.T) {
	m := NewSessionManager(time.Hour, 2, nil)
	first := m.Create()
	time.Sleep(5 * time.Millisecond)
	second := m.Create()
	time.Sleep(5 * time.Millisecond)
	third := m.Create()

	assert.Equal(t, 2, m.Count())
	_, ok := m.Get(first.ID)
	assert.False(t, ok, "stalest session evicted")
	_, ok = m.Get(second.ID)
	assert.True(t, ok)
	_, ok = m.Get(third.ID)
	assert.True(t, ok)
}

func TestSession_SendAfterCloseRefused(t *testing.T) {
	m := NewSessionManager(time.Hour, 10, nil)
	s := m.Create()
	m.Remove(s.ID)
	m.Remove(s.ID)

	assert.False(t, s.Send([]byte("late")))
}
