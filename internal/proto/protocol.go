package proto

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Request bytes observed from the official launcher: protocol id, then the
// sub-command that asks for the current patch path.
const (
	RequestProtocolID byte = 0x01
	RequestPatchPath  byte = 0x06
)

// Reply layout. Byte 34 holds the path length in UTF-16 code units and the
// path itself starts right after it.
const (
	MaxReplySize = 1024

	replyLengthOffset = 34
	replyPathOffset   = replyLengthOffset + 1
)

var (
	ErrShortReply   = errors.New("patch reply truncated")
	ErrEmptyPath    = errors.New("patch reply carries an empty path")
	ErrEmptyVersion = errors.New("patch path has no version segment")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Handshake returns the request to write after connecting.
func Handshake() []byte {
	return []byte{RequestProtocolID, RequestPatchPath}
}

// ReplyLen reports the total reply size implied by the buffered header. ok is
// false until the length byte has arrived.
func ReplyLen(b []byte) (n int, ok bool) {
	if len(b) <= replyLengthOffset {
		return 0, false
	}
	return replyPathOffset + 2*int(b[replyLengthOffset]), true
}

// ReadReply reads from r until a complete reply is buffered, the peer closes,
// or MaxReplySize bytes have been read. Partial replies are returned together
// with ErrShortReply.
func ReadReply(r io.Reader) ([]byte, error) {
	buf := make([]byte, MaxReplySize)
	n := 0
	for n < len(buf) {
		if want, ok := ReplyLen(buf[:n]); ok && n >= want {
			return buf[:n], nil
		}
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if want, ok := ReplyLen(buf[:n]); ok && n >= want {
				return buf[:n], nil
			}
			if errors.Is(err, io.EOF) {
				return buf[:n], fmt.Errorf("%w: got %d bytes", ErrShortReply, n)
			}
			return buf[:n], err
		}
	}
	if want, ok := ReplyLen(buf[:n]); ok && n >= want {
		return buf[:n], nil
	}
	return buf[:n], fmt.Errorf("%w: reply exceeds %d bytes", ErrShortReply, MaxReplySize)
}

// DecodePath extracts the UTF-16LE path carried by a reply.
func DecodePath(reply []byte) (string, error) {
	want, ok := ReplyLen(reply)
	if !ok {
		return "", fmt.Errorf("%w: got %d bytes, need at least %d", ErrShortReply, len(reply), replyPathOffset)
	}
	if want == replyPathOffset {
		return "", ErrEmptyPath
	}
	if len(reply) < want {
		return "", fmt.Errorf("%w: got %d bytes, header says %d", ErrShortReply, len(reply), want)
	}
	out, err := utf16le.NewDecoder().Bytes(reply[replyPathOffset:want])
	if err != nil {
		return "", fmt.Errorf("decode utf-16le path: %w", err)
	}
	return string(out), nil
}

// VersionFromPath returns the last non-empty "/" segment. The server sends
// paths like "http://patch.poecdn.com/3.25.1.2/" with a trailing slash.
func VersionFromPath(path string) (string, error) {
	path = strings.TrimRight(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ErrEmptyVersion
	}
	v := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		v = path[i+1:]
	}
	if v == "" {
		return "", ErrEmptyVersion
	}
	return v, nil
}

// VersionFromReply combines DecodePath and VersionFromPath.
func VersionFromReply(reply []byte) (string, error) {
	path, err := DecodePath(reply)
	if err != nil {
		return "", err
	}
	return VersionFromPath(path)
}

// EncodeReply builds a reply carrying path. Used by tests and local fakes of
// the patch server.
func EncodeReply(path string) ([]byte, error) {
	enc, err := utf16le.NewEncoder().Bytes([]byte(path))
	if err != nil {
		return nil, err
	}
	units := len(enc) / 2
	if units > 0xff {
		return nil, fmt.Errorf("path too long for one-byte length: %d units", units)
	}
	out := make([]byte, replyPathOffset, replyPathOffset+len(enc))
	out[0] = RequestProtocolID
	out[replyLengthOffset] = byte(units)
	return append(out, enc...), nil
}
