package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"patchvault/internal/fault"
)

// Source returns the latest version identifier known upstream. Every error is
// a fault.KindTransport error.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

const (
	StrategyDirect   = "direct"
	StrategyIndirect = "indirect"
)

var ErrBadVersion = errors.New("version is not usable as a path component")

type Config struct {
	Strategy    string
	DirectAddr  string
	IndirectURL string
	Timeout     time.Duration

	// Logger receives protocol diagnostics. It is set by the caller, not read
	// from the config file.
	Logger *slog.Logger
}

// New builds the Source selected by cfg.Strategy.
func New(cfg Config) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case StrategyDirect:
		return NewDirect(cfg.DirectAddr, cfg.Timeout, cfg.Logger)
	case StrategyIndirect:
		return NewIndirect(cfg.IndirectURL, cfg.Timeout, nil)
	default:
		return nil, fmt.Errorf("unknown version source strategy %q", cfg.Strategy)
	}
}

// ValidateVersion rejects values that cannot safely name a directory or file.
func ValidateVersion(v string) error {
	if v == "" || v == "." || v == ".." {
		return fmt.Errorf("%w: %q", ErrBadVersion, v)
	}
	for _, r := range v {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrBadVersion, v)
		}
	}
	return nil
}

func checked(op, v string) (string, error) {
	v = strings.TrimSpace(v)
	if err := ValidateVersion(v); err != nil {
		return "", fault.Transport(op, err)
	}
	return v, nil
}
