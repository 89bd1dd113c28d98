// ABOUTME: Long-lived SSE connection table owned by the Prober.
// ABOUTME: Connect and disconnect are mutually exclusive under one mutex.

package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrDuplicateConnection is returned when a connection id is already in use.
var ErrDuplicateConnection = errors.New("connection id already in use")

// ConnectionInfo describes one live SSE connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ConnectedAt time.Time `json:"connected_at"`
}

// sseConnection is established once cancel is non-nil; before that the
// table entry is a reservation held while the dial is in flight.
type sseConnection struct {
	info   ConnectionInfo
	cancel context.CancelFunc
}

type connectionTable struct {
	mu    sync.Mutex
	conns map[string]*sseConnection
}

// ConnectSSE establishes a long-lived SSE connection identified by id.
// The connection owns a reader goroutine; a fatal transport error
// removes it from the table. Connecting an id that is already live
// returns ErrDuplicateConnection.
func (p *Prober) ConnectSSE(ctx context.Context, id, url string, headers map[string]string) error {
	conn := &sseConnection{
		info: ConnectionInfo{ID: id, URL: url},
	}

	p.connections.mu.Lock()
	if _, exists := p.connections.conns[id]; exists {
		p.connections.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	// Reserve the id before dialing so a concurrent connect with the
	// same id fails fast rather than racing the handshake. The
	// reservation carries this attempt's own pointer so cleanup paths
	// never tear down a successor that reclaimed the id.
	p.connections.conns[id] = conn
	p.connections.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, p.timeout)
	resp, err := p.openSSE(dialCtx, url, headers)
	cancelDial()
	if err != nil {
		p.removeConnection(conn)
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	p.connections.mu.Lock()
	if p.connections.conns[id] != conn {
		// Disconnected (or the whole table closed) while the dial was
		// in flight; the id may already belong to a successor.
		p.connections.mu.Unlock()
		cancel()
		resp.Body.Close()
		return fmt.Errorf("%w: connection %s closed during dial", ErrProbeFailed, id)
	}
	conn.info.ConnectedAt = time.Now().UTC()
	conn.cancel = cancel
	p.connections.mu.Unlock()

	go p.readStream(streamCtx, conn, resp)

	p.logger.Info("sse connection established", "connection_id", id, "url", url)
	return nil
}

// DisconnectSSE tears down a live connection. Unknown ids are a no-op,
// so disconnect is safe to call twice.
func (p *Prober) DisconnectSSE(id string) {
	p.connections.mu.Lock()
	var cancel context.CancelFunc
	if conn, ok := p.connections.conns[id]; ok {
		delete(p.connections.conns, id)
		cancel = conn.cancel
	}
	p.connections.mu.Unlock()

	if cancel != nil {
		cancel()
		p.logger.Info("sse connection closed", "connection_id", id)
	}
}

// Connections returns a snapshot of the live connection table.
func (p *Prober) Connections() []ConnectionInfo {
	p.connections.mu.Lock()
	defer p.connections.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(p.connections.conns))
	for _, conn := range p.connections.conns {
		if conn.cancel != nil {
			infos = append(infos, conn.info)
		}
	}
	return infos
}

// Close tears down every live connection.
func (p *Prober) Close() {
	p.connections.mu.Lock()
	conns := p.connections.conns
	p.connections.conns = make(map[string]*sseConnection)
	p.connections.mu.Unlock()

	for _, conn := range conns {
		if conn.cancel != nil {
			conn.cancel()
		}
	}
}

// removeConnection drops the entry only while the table still maps the
// id to this exact connection. A stale cleanup must never evict a
// successor that reclaimed the id after a disconnect.
func (p *Prober) removeConnection(conn *sseConnection) {
	p.connections.mu.Lock()
	if p.connections.conns[conn.info.ID] == conn {
		delete(p.connections.conns, conn.info.ID)
	}
	p.connections.mu.Unlock()
}

// readStream consumes the event stream until cancellation or a
// transport error, then removes the connection from the table.
func (p *Prober) readStream(ctx context.Context, conn *sseConnection, resp *http.Response) {
	defer resp.Body.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-done:
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProbeBody)
	for scanner.Scan() {
		// Frames are consumed to keep the connection alive; payload
		// routing belongs to the transport layer, not the probe.
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		p.logger.Warn("sse connection lost",
			"connection_id", conn.info.ID,
			"url", conn.info.URL,
			"error", err)
	}
	p.removeConnection(conn)
}
