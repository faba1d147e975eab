package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"patchvault/internal/fault"
	"patchvault/internal/proto"
)

// Direct asks the patch server itself. Dial, handshake, read and decode form
// one attempt; any failure in it is a transport error.
type Direct struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	log     *slog.Logger
}

// NewDirect returns a Direct source for addr. A nil logger means
// slog.Default().
func NewDirect(addr string, timeout time.Duration, logger *slog.Logger) (*Direct, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("direct source addr is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("direct source addr %q: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{
		addr:    addr,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
		log:     logger,
	}, nil
}

func (d *Direct) Fetch(ctx context.Context) (string, error) {
	const op = "direct fetch"

	conn, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return "", fault.Transport(op, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	// Unblock reads if the caller cancels mid-exchange.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(proto.Handshake()); err != nil {
		return "", fault.Transport(op, fmt.Errorf("send handshake: %w", err))
	}

	reply, err := proto.ReadReply(conn)
	if err != nil {
		return "", fault.Transport(op, fmt.Errorf("read reply: %w", err))
	}

	v, err := proto.VersionFromReply(reply)
	if err != nil {
		d.log.Debug("patch server reply rejected", "addr", d.addr, "len", len(reply), "hex", proto.ToHex(reply, 64))
		return "", fault.Transport(op, err)
	}
	return checked(op, v)
}
