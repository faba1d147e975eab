package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"patchvault/internal/fault"
)

// maxBody bounds how much of the version file is read. A version string is
// a few dozen bytes; anything larger is not a version file.
const maxBody = 4 << 10

// Indirect reads a text file whose trimmed body is the version.
type Indirect struct {
	url    string
	client *http.Client
}

func NewIndirect(rawURL string, timeout time.Duration, client *http.Client) (*Indirect, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("indirect source url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("indirect source url %q is not an http(s) url", rawURL)
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Indirect{url: rawURL, client: client}, nil
}

func (s *Indirect) Fetch(ctx context.Context) (string, error) {
	const op = "indirect fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fault.Transport(op, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fault.Transport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fault.Transport(op, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return "", fault.Transport(op, fmt.Errorf("read body: %w", err))
	}
	if len(body) > maxBody {
		return "", fault.Transport(op, fmt.Errorf("version file larger than %d bytes", maxBody))
	}
	return checked(op, string(body))
}
