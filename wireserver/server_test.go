package wireserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quty-io/quty-server/wire"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })
	return srv
}

func wsURL(srv *Server, path string) string {
	return fmt.Sprintf("ws://127.0.0.1:%d%s", srv.Port(), path)
}

func TestServer_Routes(t *testing.T) {
	srv := startServer(t, Config{Path: "/ws"})

	srv.AddHandler(http.MethodGet, "/ping", func(w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("pong"))
		return err
	})
	srv.AddHandler(http.MethodGet, "/boom", func(_ http.ResponseWriter, _ *http.Request) error {
		return fmt.Errorf("kaboom")
	})
	srv.AddHandler(http.MethodGet, "/panic", func(_ http.ResponseWriter, _ *http.Request) error {
		panic("unexpected")
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Port())

	resp, err := http.Get(base + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	// Method must match exactly.
	resp, err = http.Post(base+"/ping", "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(base + "/nowhere")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", string(body))

	resp, err = http.Get(base + "/boom")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Internal Server Error", string(body))

	resp, err = http.Get(base + "/panic")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_UpgradeFrames(t *testing.T) {
	var mu sync.Mutex
	var got []wire.Frame
	var connected *Conn

	srv := startServer(t, Config{
		Path: "/ws",
		Authorizer: func(r *http.Request) (Attrs, bool) {
			return Attrs{
				PeerID: "peer-1",
				Data:   map[string]any{"port": float64(23099)},
			}, r.URL.Query().Get("token") == "ok"
		},
	})
	srv.OnConnect(func(c *Conn) {
		mu.Lock()
		connected = c
		mu.Unlock()
	})
	srv.Handle("J", func(_ *Conn, f wire.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?token=ok"), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	encoded, err := wire.Encode("J", map[string]any{"c": "news"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, encoded))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && connected != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "peer-1", connected.Attrs.PeerID)
	assert.Equal(t, float64(23099), connected.Attrs.Data["port"])
	assert.Equal(t, "127.0.0.1", connected.RemoteIP())
	assert.Equal(t, "J", got[0].Event)

	// Server-to-client send works too.
	require.True(t, connected.Send("I", map[string]any{"_i": "self"}))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "I", frame.Event)
}

func TestServer_AuthRejected(t *testing.T) {
	var mu sync.Mutex
	failed := 0

	srv := startServer(t, Config{
		Path: "/ws",
		Authorizer: func(_ *http.Request) (Attrs, bool) {
			return Attrs{}, false
		},
	})
	srv.OnAuthFailed(func(_ *http.Request) {
		mu.Lock()
		failed++
		mu.Unlock()
	})

	_, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, srv.Conns())
}

func TestServer_PathMismatchDestroysSocket(t *testing.T) {
	srv := startServer(t, Config{Path: "/ws"})

	_, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/other"), nil)
	assert.Error(t, err)
}

func TestServer_MalformedFrameIgnored(t *testing.T) {
	srv := startServer(t, Config{
		Path: "/ws",
		Authorizer: func(_ *http.Request) (Attrs, bool) {
			return Attrs{PeerID: "p"}, true
		},
	})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("noseparator")))

	// The socket survives and keeps working.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, srv.Conns(), 1)
}

func TestServer_HeartbeatTerminatesSilentPeer(t *testing.T) {
	mock := clock.NewMock()
	srv := startServer(t, Config{
		Path: "/ws",
		Authorizer: func(_ *http.Request) (Attrs, bool) {
			return Attrs{PeerID: "p"}, true
		},
		HeartbeatInterval: 10 * time.Second,
		Clock:             mock,
	})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	require.Eventually(t, func() bool { return len(srv.Conns()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// The dialer never reads, so pings are never answered. Walking the
	// mock clock past 1.5 intervals must terminate the socket.
	assert.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return len(srv.Conns()) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCanonicalRemoteIP(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"127.0.0.1:54321", "127.0.0.1"},
		{"[::ffff:10.0.0.9]:1234", "10.0.0.9"},
		{"[::1]:80", "1"},
		{"10.1.2.3", "10.1.2.3"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, canonicalRemoteIP(test.in), "input %s", test.in)
	}
}

func TestServer_RejectsDoubleStart(t *testing.T) {
	srv := startServer(t, Config{Path: "/ws"})
	assert.Error(t, srv.Start(context.Background()))
}
