// Package config loads and saves ~/.shellpulse/config.toml and turns its
// sections into the settings each component takes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/shellpulse/internal/binder"
	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/outlog"
	"github.com/asheshgoplani/shellpulse/internal/renderbuf"
	"github.com/asheshgoplani/shellpulse/internal/service"
	"github.com/asheshgoplani/shellpulse/internal/status"
)

// HomeEnv overrides the data directory.
const HomeEnv = "SHELLPULSE_HOME"

const fileName = "config.toml"

// Config is the decoded config.toml.
type Config struct {
	Status   StatusSettings                `toml:"status"`
	Render   RenderSettings                `toml:"render"`
	Output   OutputSettings                `toml:"output"`
	Binder   BinderSettings                `toml:"binder"`
	Services map[string]service.Definition `toml:"services"`
	Logs     LogSettings                   `toml:"logs"`
	Web      WebSettings                   `toml:"web"`
	Host     HostSettings                  `toml:"host"`
}

// StatusSettings tunes activity classification.
type StatusSettings struct {
	DebounceMS    int             `toml:"debounce_ms"`
	IdleMS        int             `toml:"idle_ms"`
	DwellMS       int             `toml:"dwell_ms"`
	WindowMax     int             `toml:"window_max"`
	WindowTrim    int             `toml:"window_trim"`
	PostMatchKeep int             `toml:"post_match_keep"`
	Patterns      PatternSettings `toml:"patterns"`
}

// PatternSettings customizes detection rules. A list set under override
// replaces the built-in list; lists under extra are appended.
//
//	[status.patterns.override]
//	completed = ["re:^Build finished"]
//
//	[status.patterns.extra]
//	waiting = ["Enter passphrase"]
type PatternSettings struct {
	Override *status.RawRules `toml:"override"`
	Extra    *status.RawRules `toml:"extra"`
}

// RenderSettings tunes the pane buffer.
type RenderSettings struct {
	MaxBytes int `toml:"max_bytes"`
}

// OutputSettings tunes service logs.
type OutputSettings struct {
	FlushMS  int `toml:"flush_ms"`
	MaxBytes int `toml:"max_bytes"`
}

// BinderSettings tunes orphan handling.
type BinderSettings struct {
	OrphanTTLMS    int `toml:"orphan_ttl_ms"`
	OrphanMaxBytes int `toml:"orphan_max_bytes"`
}

// LogSettings configures the debug log.
type LogSettings struct {
	DebugLevel   string `toml:"debug_level"`
	DebugFormat  string `toml:"debug_format"`
	DebugMaxMB   int    `toml:"debug_max_mb"`
	DebugBackups int    `toml:"debug_backups"`
	DebugMaxAge  int    `toml:"debug_max_age_days"`
	Compress     bool   `toml:"compress"`
	Pprof        bool   `toml:"pprof"`
	PprofAddr    string `toml:"pprof_addr"`
}

// WebSettings configures the HTTP server.
type WebSettings struct {
	Listen     string  `toml:"listen"`
	Token      string  `toml:"token"`
	ReadOnly   bool    `toml:"read_only"`
	InputRate  float64 `toml:"input_rate"`
	InputBurst int     `toml:"input_burst"`
}

// HostSettings configures spawned shells.
type HostSettings struct {
	Shell          string `toml:"shell"`
	GracefulStopMS int    `toml:"graceful_stop_ms"`
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Dir returns the data directory: $SHELLPULSE_HOME or ~/.shellpulse.
func Dir() (string, error) {
	if d := os.Getenv(HomeEnv); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	return filepath.Join(home, ".shellpulse"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Load returns the cached config, reading it on first use. A missing file
// yields an empty config. On a parse error the empty config is cached and
// the error returned so the caller can report it.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &Config{}
		return cache, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		cache = &Config{}
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*Config, error) {
	invalidate()
	return Load()
}

// LoadFile decodes path without touching the cache.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	for id, d := range cfg.Services {
		d.ID = id
		cfg.Services[id] = d
	}
	return cfg, nil
}

// Save writes cfg atomically and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := SaveFile(path, cfg); err != nil {
		return err
	}
	invalidate()
	return nil
}

// SaveFile writes cfg to path through a temp file, fsync and rename.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# shellpulse configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// StatusOptions returns classifier options; unset fields take the defaults.
func (c *Config) StatusOptions() status.Options {
	s := c.Status
	return status.Options{
		Debounce:       ms(s.DebounceMS),
		IdleAfter:      ms(s.IdleMS),
		Dwell:          ms(s.DwellMS),
		WindowMax:      s.WindowMax,
		WindowTrim:     s.WindowTrim,
		KeepAfterMatch: s.PostMatchKeep,
	}
}

// StatusRules merges the built-in rules with the configured overrides and
// extras and compiles them.
func (c *Config) StatusRules() (*status.Rules, error) {
	raw := status.MergeRawRules(status.DefaultRawRules(), c.Status.Patterns.Override, c.Status.Patterns.Extra)
	return status.CompileRules(raw)
}

// BinderOptions returns orphan handling options.
func (c *Config) BinderOptions() binder.Options {
	return binder.Options{
		OrphanTTL:      ms(c.Binder.OrphanTTLMS),
		OrphanMaxBytes: c.Binder.OrphanMaxBytes,
	}
}

// RenderMaxBytes returns the pane buffer cap.
func (c *Config) RenderMaxBytes() int {
	if c.Render.MaxBytes > 0 {
		return c.Render.MaxBytes
	}
	return renderbuf.DefaultMaxBytes
}

// OutputFlushInterval returns the service log flush interval.
func (c *Config) OutputFlushInterval() time.Duration {
	if c.Output.FlushMS > 0 {
		return ms(c.Output.FlushMS)
	}
	return outlog.DefaultFlushInterval
}

// OutputMaxBytes returns the service log cap.
func (c *Config) OutputMaxBytes() int {
	if c.Output.MaxBytes > 0 {
		return c.Output.MaxBytes
	}
	return outlog.DefaultMaxBytes
}

// LogConfig returns the logging configuration for dir.
func (c *Config) LogConfig(dir string, debug bool) logging.Config {
	l := c.Logs
	return logging.Config{
		LogDir:       dir,
		Level:        l.DebugLevel,
		Format:       l.DebugFormat,
		MaxSizeMB:    l.DebugMaxMB,
		MaxBackups:   l.DebugBackups,
		MaxAgeDays:   l.DebugMaxAge,
		Compress:     l.Compress,
		PprofEnabled: l.Pprof,
		PprofAddr:    l.PprofAddr,
		Debug:        debug,
	}
}

// WebListen returns the HTTP listen address.
func (c *Config) WebListen() string {
	if c.Web.Listen != "" {
		return c.Web.Listen
	}
	return "127.0.0.1:8420"
}

// WebInputLimits returns the per-connection input rate and burst.
func (c *Config) WebInputLimits() (perSecond float64, burst int) {
	perSecond, burst = c.Web.InputRate, c.Web.InputBurst
	if perSecond <= 0 {
		perSecond = 200
	}
	if burst <= 0 {
		burst = 400
	}
	return perSecond, burst
}

// Shell returns the shell used for new sessions.
func (c *Config) Shell() string {
	if c.Host.Shell != "" {
		return c.Host.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// GracefulStopTimeout bounds how long a service gets to exit after ^C.
func (c *Config) GracefulStopTimeout() time.Duration {
	if c.Host.GracefulStopMS > 0 {
		return ms(c.Host.GracefulStopMS)
	}
	return 3 * time.Second
}

// ServiceDefinitions returns the seeded services sorted by id.
func (c *Config) ServiceDefinitions() []service.Definition {
	ids := make([]string, 0, len(c.Services))
	for id := range c.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]service.Definition, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.Services[id])
	}
	return out
}
