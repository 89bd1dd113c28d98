// ABOUTME: Tests for the capability prober and SSE connection table.
// ABOUTME: Uses httptest endpoints speaking JSON-RPC and event-stream framing.

package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initializeResponse() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result": map[string]any{
			"protocolVersion": "2025-03-26",
			"serverInfo": map[string]any{
				"name":    "test-server",
				"version": "0.3.1",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": true},
			},
		},
	}
}

func TestCheckStreamableHTTP_JSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.Header.Get("Accept"), "text/event-stream")

		var req rpcRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "initialize", req.Method)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(initializeResponse())
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	cap, err := p.CheckStreamableHTTP(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "streamable_http", cap.Protocol)
	assert.Equal(t, "test-server", cap.ServerName)
	assert.Equal(t, "0.3.1", cap.ServerVersion)
	assert.Equal(t, "2025-03-26", cap.ProtocolVersion)
	assert.True(t, cap.SupportsTools)
}

func TestCheckStreamableHTTP_EventStreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(initializeResponse())
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	cap, err := p.CheckStreamableHTTP(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-server", cap.ServerName)
}

func TestCheckStreamableHTTP_ForwardsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(initializeResponse())
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	_, err := p.CheckStreamableHTTP(context.Background(), srv.URL, map[string]string{
		"Authorization": "Bearer token-1",
	})
	require.NoError(t, err)
}

func TestCheckStreamableHTTP_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusForbidden)
			},
		},
		{
			name: "unexpected content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				fmt.Fprint(w, "<html>not mcp</html>")
			},
		},
		{
			name: "json-rpc error response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"jsonrpc": "2.0",
					"id":      1,
					"error":   map[string]any{"code": -32600, "message": "bad request"},
				})
			},
		},
		{
			name: "result missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1})
			},
		},
		{
			name: "not json at all",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, "plain text")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p := NewProber(5*time.Second, nil)
			_, err := p.CheckStreamableHTTP(context.Background(), srv.URL, nil)
			assert.ErrorIs(t, err, ErrProbeFailed)
		})
	}
}

func TestCheckStreamableHTTP_UnreachableEndpoint(t *testing.T) {
	p := NewProber(time.Second, nil)
	_, err := p.CheckStreamableHTTP(context.Background(), "http://127.0.0.1:1/mcp", nil)
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func TestCheckSSE_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	cap, err := p.CheckSSE(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "sse", cap.Protocol)
}

func TestCheckSSE_WrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{}")
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	_, err := p.CheckSSE(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func TestCheckSSE_StreamClosedBeforeFirstFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// No frames written before the handler returns.
	}))
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	_, err := p.CheckSSE(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func TestCheckStdio_Success(t *testing.T) {
	payload, err := json.Marshal(initializeResponse())
	require.NoError(t, err)

	p := NewProber(5*time.Second, nil)
	cap, err := p.CheckStdio(context.Background(), "sh",
		[]string{"-c", fmt.Sprintf("read line; printf '%%s\\n' '%s'", payload)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "stdio", cap.Protocol)
	assert.Equal(t, "test-server", cap.ServerName)
}

func TestCheckStdio_CommandNotFound(t *testing.T) {
	p := NewProber(time.Second, nil)
	_, err := p.CheckStdio(context.Background(), "definitely-not-a-real-binary", nil, nil)
	assert.ErrorIs(t, err, ErrProbeFailed)
}

// streamHandler serves an endless event stream until the client goes away.
func streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}
}

func TestConnectSSE_LifecycleAndDuplicates(t *testing.T) {
	srv := httptest.NewServer(streamHandler())
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.ConnectSSE(ctx, "conn-1", srv.URL, nil))

	// Same id again is rejected while the connection is live.
	err := p.ConnectSSE(ctx, "conn-1", srv.URL, nil)
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	conns := p.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "conn-1", conns[0].ID)
	assert.Equal(t, srv.URL, conns[0].URL)

	p.DisconnectSSE("conn-1")
	assert.Empty(t, p.Connections())

	// Disconnect is idempotent and the id is reusable afterwards.
	p.DisconnectSSE("conn-1")
	require.NoError(t, p.ConnectSSE(ctx, "conn-1", srv.URL, nil))
}

func TestConnectSSE_ReconnectAfterDisconnectKeepsOneConnection(t *testing.T) {
	srv := httptest.NewServer(streamHandler())
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	defer p.Close()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, p.ConnectSSE(ctx, "conn-1", srv.URL, nil))
		p.DisconnectSSE("conn-1")

		// The disconnected reader's teardown races these reconnects.
		// Exactly one may reclaim the id.
		errs := make(chan error, 2)
		for j := 0; j < 2; j++ {
			go func() {
				errs <- p.ConnectSSE(ctx, "conn-1", srv.URL, nil)
			}()
		}
		succeeded := 0
		for j := 0; j < 2; j++ {
			if err := <-errs; err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, ErrDuplicateConnection, "iteration %d", i)
			}
		}
		require.Equal(t, 1, succeeded, "iteration %d", i)

		// The winner stays registered: stale cleanup from the
		// disconnected reader must not evict it.
		err := p.ConnectSSE(ctx, "conn-1", srv.URL, nil)
		assert.ErrorIs(t, err, ErrDuplicateConnection, "iteration %d", i)

		p.DisconnectSSE("conn-1")
	}
}

func TestConnectSSE_DialFailureFreesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(2*time.Second, nil)
	defer p.Close()
	ctx := context.Background()

	err := p.ConnectSSE(ctx, "conn-1", srv.URL, nil)
	assert.ErrorIs(t, err, ErrProbeFailed)
	assert.Empty(t, p.Connections())
}

func TestProber_CloseTearsDownConnections(t *testing.T) {
	srv := httptest.NewServer(streamHandler())
	defer srv.Close()

	p := NewProber(5*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, p.ConnectSSE(ctx, "conn-1", srv.URL, nil))
	require.NoError(t, p.ConnectSSE(ctx, "conn-2", srv.URL, nil))

	p.Close()
	assert.Empty(t, p.Connections())
}
