// Package transport owns one child process's stdio: writing framed
// JSON-RPC messages to its stdin, reading framed messages back off its
// stdout, capturing stderr line by line, and firing a single
// transport_disconnected event when the child's stdout closes.
//
// Framing (newline-delimited JSON or 32-bit-length-prefixed) is chosen
// per transport; the protocol package itself never sees raw bytes, only
// whole decoded messages.
package transport
