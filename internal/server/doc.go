// Package server implements the relay's network side: a TCP acceptor with a
// line-oriented join handshake, a UDP datagram loop, and an optional HTTP
// monitor that also accepts WebSocket participants.
//
// The implementation is organized into specialized files for configuration,
// sessions, each transport, routing, and HTTP handlers. Every transport feeds
// the same chat.Hub, so the process is one broadcast domain.
package server
