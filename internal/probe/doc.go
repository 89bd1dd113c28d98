// ABOUTME: Package documentation for the capability probe.
// ABOUTME: Describes probe semantics and the SSE connection table.

// Package probe verifies that external tool endpoints actually speak
// the protocol they claim before the engine routes work at them.
//
// Three transports are checked: streamable HTTP (POST initialize, JSON
// or event-stream reply), SSE (GET plus first-frame verification), and
// stdio (subprocess with a line-delimited JSON-RPC handshake). Every
// check is bounded by the prober's timeout and reports ErrProbeFailed
// on refusal, timeout, or a non-conforming response, never a partial
// Capability.
//
// The prober also maintains a table of long-lived SSE connections.
// Connect and disconnect are serialized under a single mutex, duplicate
// ids are rejected, and disconnecting an unknown id is a no-op. Each
// live connection owns a reader goroutine; fatal transport errors
// remove the entry so the table only ever lists connections believed
// healthy.
package probe
