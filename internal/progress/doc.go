// Package progress delivers plan lifecycle and step progress events to
// an observer without ever blocking the execution path.
//
// # Overview
//
// The pipeline holds at most one observer port at a time; SetPort
// replaces any prior registration. Events carry a per-plan sequence
// number assigned at send time, strictly increasing from 1, so a single
// observer can detect dropped events as gaps while being guaranteed no
// duplicates and no reordering.
//
// # Overflow policy
//
// Sends are non-blocking. If no port is registered or the observer's
// buffer is full, the event being sent is dropped (drop-newest). Drops
// are counted and logged at Debug level. Notifications are an
// observability side channel: correctness of plan execution never
// depends on delivery.
package progress
