package proto

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NowTS() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func MakeRunID() string {
	// Avoid embedding timestamps in identifiers. Use a random UUID.
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("run-%d", time.Now().UTC().UnixNano())
	}
	return "run-" + id.String()
}

// ToHex renders at most max bytes as spaced hex, for logging malformed replies.
func ToHex(b []byte, max int) string {
	if len(b) == 0 {
		return ""
	}
	truncated := false
	if max > 0 && len(b) > max {
		b = b[:max]
		truncated = true
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	if truncated {
		sb.WriteString(" ...")
	}
	return sb.String()
}
