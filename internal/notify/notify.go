// Package notify announces newly archived versions on a NATS subject.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"patchvault/internal/fault"
)

const DefaultSubject = "patchvault.patch.new"

const (
	// flushTimeout bounds the wait for the server to acknowledge a publish.
	flushTimeout = 5 * time.Second
	// closeTimeout bounds the wait for Drain to finish on Close.
	closeTimeout = 5 * time.Second
)

// Event is the JSON payload published once per settled version.
type Event struct {
	Version         string    `json:"version"`
	ArtifactName    string    `json:"artifact_name"`
	Archive         string    `json:"archive"`
	CompressedBytes int64     `json:"compressed_bytes"`
	RecordedAt      time.Time `json:"recorded_at"`
	RunID           string    `json:"run_id"`
}

type conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
}

type NATS struct {
	nc      conn
	subject string
	// closed is closed by the connection's ClosedHandler once Drain is done.
	closed    chan struct{}
	closeWait time.Duration
}

// Dial connects to url. The connection reconnects on its own; publish errors
// while disconnected surface from Publish.
func Dial(url, subject, name string) (*NATS, error) {
	if url == "" {
		return nil, errors.New("nats url is empty")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	closed := make(chan struct{})
	var once sync.Once
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ClosedHandler(func(*nats.Conn) { once.Do(func() { close(closed) }) }),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, subject: subject, closed: closed, closeWait: closeTimeout}, nil
}

func (n *NATS) Subject() string { return n.subject }

// Publish sends ev and waits for the server to acknowledge the flush, so a
// nil return means the event left this process.
func (n *NATS) Publish(ctx context.Context, ev Event) error {
	const op = "notify"
	data, err := json.Marshal(ev)
	if err != nil {
		return fault.Transport(op, err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fault.Transport(op, err)
	}
	// FlushWithContext refuses a context without a deadline.
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fault.Transport(op, err)
	}
	return nil
}

// Close flushes pending publishes, drains the connection and waits up to
// closeWait for it to finish closing.
func (n *NATS) Close() {
	if n == nil || n.nc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	_ = n.nc.FlushWithContext(ctx)
	cancel()

	if err := n.nc.Drain(); err != nil || n.closed == nil {
		n.nc.Close()
		return
	}
	t := time.NewTimer(n.closeWait)
	defer t.Stop()
	select {
	case <-n.closed:
	case <-t.C:
		n.nc.Close()
	}
}
