// Package download fetches a client binary for a given version into the
// transient workspace.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"patchvault/internal/fault"
)

type Downloader struct {
	baseURL    string
	binaryName string
	client     *http.Client
}

func New(baseURL, binaryName string, timeout time.Duration, client *http.Client) (*Downloader, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("download base url %q is not an http(s) url", baseURL)
	}
	binaryName = strings.TrimSpace(binaryName)
	if binaryName == "" || strings.ContainsAny(binaryName, `/\`) {
		return nil, fmt.Errorf("download binary name %q is invalid", binaryName)
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Downloader{baseURL: baseURL, binaryName: binaryName, client: client}, nil
}

// URL is {base}/{version}/{binary}.
func (d *Downloader) URL(version string) string {
	return d.baseURL + "/" + url.PathEscape(version) + "/" + d.binaryName
}

// ArtifactName is the binary name with the version spliced in before the
// extension: PathOfExile.exe becomes PathOfExile_3.25.1.2.exe.
func (d *Downloader) ArtifactName(version string) string {
	ext := filepath.Ext(d.binaryName)
	stem := strings.TrimSuffix(d.binaryName, ext)
	return stem + "_" + version + ext
}

// Fetch downloads the binary for version into dir and returns its path and
// size. Network and HTTP failures are transport errors, local write failures
// are storage errors. A partial file is removed before returning an error.
func (d *Downloader) Fetch(ctx context.Context, version, dir string) (string, int64, error) {
	const op = "download"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(version), nil)
	if err != nil {
		return "", 0, fault.Transport(op, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, fault.Transport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fault.Transport(op, fmt.Errorf("GET %s: unexpected status %s", req.URL, resp.Status))
	}

	path := filepath.Join(dir, d.ArtifactName(version))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fault.Storage(op, err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return "", 0, classifyCopy(op, copyErr, closeErr)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		_ = os.Remove(path)
		return "", 0, fault.Transport(op, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength))
	}
	return path, n, nil
}

// classifyCopy tells a dropped connection apart from a full disk. io.Copy
// hands back whichever side failed; only write-side errors wrap *os.PathError.
func classifyCopy(op string, copyErr, closeErr error) error {
	if copyErr == nil {
		return fault.Storage(op, closeErr)
	}
	var pe *os.PathError
	if errors.As(copyErr, &pe) {
		return fault.Storage(op, copyErr)
	}
	return fault.Transport(op, copyErr)
}
