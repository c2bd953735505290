// Package chat implements the transport-independent core of the relay: the
// session registry, message formatting, broadcast fan-out, and the shutdown
// drain performed by the Hub.
//
// Transports (TCP, UDP, WebSocket) live in package server and plug into the
// Hub through the Peer interface.
package chat
