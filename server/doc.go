// File: server/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package server is a multi-threaded TCP server core built on one-shot,
// edge-triggered epoll.
//
// A Server owns a listening socket, a reactor and a pool of worker threads.
// Each worker waits on the shared reactor, accepts new connections when the
// listener fires and dispatches client readiness to the OnReceive handler.
// Every registration is one-shot, so at most one worker processes a given
// client at a time; the worker re-arms the client once the handler returns.
//
// Clients live in a slot table keyed by random 32-bit ids. Teardown takes
// the client lock before the table lock, unregisters the descriptor and
// closes it inside the table critical section, so a deleted id is never
// observable together with a live registration.
//
// Optional TLS runs a non-blocking handshake driven by readiness events.
// Application data is delivered only after the handshake completes.
//
// The server is Linux only.
package server
