// Package source discovers the current client version.
//
// Two interchangeable strategies exist: Direct speaks the patch server's
// binary handshake over TCP, Indirect reads a published text file over HTTP.
// One is picked at startup; there is no runtime fallback between them.
package source
