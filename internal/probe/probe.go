// ABOUTME: Capability probe for external tool endpoints over streamable HTTP, SSE and stdio.
// ABOUTME: Each check performs a bounded-time JSON-RPC initialize handshake.

package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// ErrProbeFailed is returned when an endpoint does not answer the
// initialize handshake within the probe window, or answers with
// something other than a valid JSON-RPC initialize result.
var ErrProbeFailed = errors.New("capability probe failed")

// protocolVersion is the version offered in initialize requests.
const protocolVersion = "2025-03-26"

// DefaultTimeout bounds a single probe when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// maxProbeBody caps how much of a probe response is read (1MB).
const maxProbeBody = 1 << 20

// JSON-RPC 2.0 types

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities struct {
		Tools json.RawMessage `json:"tools,omitempty"`
	} `json:"capabilities"`
}

// Capability describes what a probed endpoint reported about itself.
type Capability struct {
	Protocol        string `json:"protocol"`
	ServerName      string `json:"server_name,omitempty"`
	ServerVersion   string `json:"server_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	SupportsTools   bool   `json:"supports_tools"`
}

// Prober performs capability checks against external tool endpoints.
// All checks are bounded by the configured timeout; a Prober is safe
// for concurrent use.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	connections connectionTable
}

// NewProber creates a capability prober. timeout <= 0 selects
// DefaultTimeout; pass nil logger for default.
func NewProber(timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With("component", "probe"),
		connections: connectionTable{
			conns: make(map[string]*sseConnection),
		},
	}
}

func initializeRequest() rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "coven-orchestrator",
				"version": "1.0",
			},
		},
	}
}

// CheckStreamableHTTP probes a streamable-HTTP endpoint by POSTing a
// JSON-RPC initialize request and reading the server's reply, which may
// arrive as plain JSON or as the first frame of an event stream.
func (p *Prober) CheckStreamableHTTP(ctx context.Context, url string, headers map[string]string) (Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(initializeRequest())
	if err != nil {
		return Capability{}, fmt.Errorf("encoding initialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Capability{}, fmt.Errorf("%w: invalid url %q: %v", ErrProbeFailed, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Capability{}, fmt.Errorf("%w: endpoint returned status %d", ErrProbeFailed, resp.StatusCode)
	}

	var raw []byte
	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		raw, err = firstSSEData(resp.Body)
	case strings.HasPrefix(contentType, "application/json"):
		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	default:
		return Capability{}, fmt.Errorf("%w: unexpected content type %q", ErrProbeFailed, contentType)
	}
	if err != nil {
		return Capability{}, fmt.Errorf("%w: reading response: %v", ErrProbeFailed, err)
	}

	cap, err := decodeInitializeResult(raw)
	if err != nil {
		return Capability{}, err
	}
	cap.Protocol = "streamable_http"
	p.logger.Debug("streamable http probe succeeded", "url", url, "server", cap.ServerName)
	return cap, nil
}

// CheckSSE probes a server-sent-events endpoint: GET with an
// event-stream Accept header, verifying the content type and that the
// stream produces at least one frame within the probe window.
func (p *Prober) CheckSSE(ctx context.Context, url string, headers map[string]string) (Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.openSSE(ctx, url, headers)
	if err != nil {
		return Capability{}, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProbeBody)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Capability{}, fmt.Errorf("%w: reading stream: %v", ErrProbeFailed, err)
		}
		return Capability{}, fmt.Errorf("%w: stream closed before first frame", ErrProbeFailed)
	}

	p.logger.Debug("sse probe succeeded", "url", url)
	return Capability{Protocol: "sse"}, nil
}

// CheckStdio probes a subprocess transport: spawn the command, write an
// initialize request to stdin and read a single JSON-RPC response line
// from stdout. The process is killed when the probe returns.
func (p *Prober) CheckStdio(ctx context.Context, command string, args []string, env []string) (Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Capability{}, fmt.Errorf("%w: stdin pipe: %v", ErrProbeFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Capability{}, fmt.Errorf("%w: stdout pipe: %v", ErrProbeFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return Capability{}, fmt.Errorf("%w: starting %q: %v", ErrProbeFailed, command, err)
	}
	defer func() {
		stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	body, err := json.Marshal(initializeRequest())
	if err != nil {
		return Capability{}, fmt.Errorf("encoding initialize request: %w", err)
	}
	if _, err := stdin.Write(append(body, '\n')); err != nil {
		return Capability{}, fmt.Errorf("%w: writing initialize: %v", ErrProbeFailed, err)
	}

	type lineResult struct {
		raw []byte
		err error
	}
	lines := make(chan lineResult, 1)
	go func() {
		reader := bufio.NewReaderSize(stdout, maxProbeBody)
		raw, err := reader.ReadBytes('\n')
		lines <- lineResult{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		return Capability{}, fmt.Errorf("%w: %v", ErrProbeFailed, ctx.Err())
	case line := <-lines:
		if line.err != nil && len(line.raw) == 0 {
			return Capability{}, fmt.Errorf("%w: reading response: %v", ErrProbeFailed, line.err)
		}
		cap, err := decodeInitializeResult(bytes.TrimSpace(line.raw))
		if err != nil {
			return Capability{}, err
		}
		cap.Protocol = "stdio"
		p.logger.Debug("stdio probe succeeded", "command", command, "server", cap.ServerName)
		return cap, nil
	}
}

// openSSE issues the GET and validates status and content type. The
// caller owns the response body.
func (p *Prober) openSSE(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", ErrProbeFailed, url, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Transport-level timeout would kill long-lived streams; the
	// request context bounds the probe instead.
	client := &http.Client{Transport: p.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: endpoint returned status %d", ErrProbeFailed, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrProbeFailed, ct)
	}
	return resp, nil
}

// firstSSEData scans an event stream for the first data frame and
// returns its payload.
func firstSSEData(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxProbeBody))
	scanner.Buffer(make([]byte, 0, 64*1024), maxProbeBody)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(data)), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("no data frame in stream")
}

func decodeInitializeResult(raw []byte) (Capability, error) {
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Capability{}, fmt.Errorf("%w: response is not JSON-RPC: %v", ErrProbeFailed, err)
	}
	if resp.Error != nil {
		return Capability{}, fmt.Errorf("%w: initialize rejected: %s (code %d)", ErrProbeFailed, resp.Error.Message, resp.Error.Code)
	}
	if len(resp.Result) == 0 {
		return Capability{}, fmt.Errorf("%w: initialize response missing result", ErrProbeFailed)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return Capability{}, fmt.Errorf("%w: malformed initialize result: %v", ErrProbeFailed, err)
	}
	return Capability{
		ServerName:      result.ServerInfo.Name,
		ServerVersion:   result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		SupportsTools:   len(result.Capabilities.Tools) > 0,
	}, nil
}
