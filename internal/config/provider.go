package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

// Provider serves the settings store's view of calendar sources. The YAML
// file is the single writer; Provider re-reads it whenever its modification
// time changes so edits made elsewhere are picked up on the next call.
type Provider struct {
	path string

	mu      sync.Mutex
	cfg     *Config
	modTime time.Time
	size    int64
}

// NewProvider loads path once and returns a Provider for it.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	if _, err := p.Config(); err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the current configuration, reloading the file if needed.
// When a reload fails the last good configuration is kept.
func (p *Provider) Config() (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, statErr := os.Stat(p.path)
	if p.cfg != nil && statErr == nil && fi.ModTime().Equal(p.modTime) && fi.Size() == p.size {
		return p.cfg, nil
	}

	cfg, err := Load(p.path)
	if err != nil {
		if p.cfg != nil {
			appLog.Error("config reload failed; keeping previous settings", err, "path", p.path)
			return p.cfg, nil
		}
		return nil, err
	}
	if fi, err := os.Stat(p.path); err == nil {
		p.modTime = fi.ModTime()
		p.size = fi.Size()
	}
	if p.cfg != nil {
		appLog.Info("config reloaded", "path", p.path, "sources", len(cfg.Sources))
	}
	p.cfg = cfg
	return cfg, nil
}

// Sources returns the configured calendar sources.
func (p *Provider) Sources(_ context.Context) ([]model.CalendarSource, error) {
	cfg, err := p.Config()
	if err != nil {
		return nil, err
	}
	return cfg.CalendarSources(), nil
}

// EnvCredentials resolves a source's CredentialRef by reading the
// environment variable of that name. It stands in for the auth/session
// layer, which owns the OAuth flow and token refresh.
type EnvCredentials struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Token returns the bearer token for src.
func (e EnvCredentials) Token(_ context.Context, src model.CalendarSource) (string, error) {
	if src.CredentialRef == "" {
		return "", &model.ConfigError{SourceID: src.ID, Reason: "no credential configured"}
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	tok, ok := lookup(src.CredentialRef)
	tok = strings.TrimSpace(tok)
	if !ok || tok == "" {
		return "", &model.ConfigError{
			SourceID: src.ID,
			Reason:   fmt.Sprintf("credential %s is not set", src.CredentialRef),
		}
	}
	return tok, nil
}

// ErrNoSources is returned when no calendar source is enabled.
var ErrNoSources = errors.New("config: no enabled calendar sources")

// EnabledSources filters sources down to the enabled ones. It returns
// ErrNoSources when none is left.
func EnabledSources(sources []model.CalendarSource) ([]model.CalendarSource, error) {
	out := make([]model.CalendarSource, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSources
	}
	return out, nil
}
