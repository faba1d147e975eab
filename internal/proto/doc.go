// Package proto implements the binary handshake spoken by the patch server.
//
// A client sends a two byte request and the server answers with a fixed
// header followed by a length-prefixed UTF-16LE path. The last segment of that
// path is the current client version. Source.Direct drives the socket; this
// package only encodes and decodes bytes.
package proto
