package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bookhound/internal/storage"

	"github.com/BurntSushi/toml"
)

// SourceEntry is one slot in the user-configured source priority list.
type SourceEntry struct {
	Name    string `toml:"name" json:"name"`
	Enabled bool   `toml:"enabled" json:"enabled"`
}

// Settings is the single typed view of every runtime behavior flag. One
// source-of-truth deserializer fills it; downstream code reads the struct
// only, never raw keys.
type Settings struct {
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
	DataDir    string `toml:"data_dir" json:"data_dir"`
	TempDir    string `toml:"temp_dir" json:"temp_dir"`

	IngestDir          string            `toml:"ingest_dir" json:"ingest_dir"`
	IngestDirOverrides map[string]string `toml:"ingest_dir_overrides" json:"ingest_dir_overrides"`
	SupportedFormats   []string          `toml:"supported_formats" json:"supported_formats"`
	UseBookTitle       bool              `toml:"use_book_title" json:"use_book_title"`
	EnableCoverCache   bool              `toml:"enable_cover_cache" json:"enable_cover_cache"`

	MaxConcurrent    int           `toml:"max_concurrent" json:"max_concurrent"`
	MainLoopSleep    time.Duration `toml:"-" json:"-"`
	ProgressInterval time.Duration `toml:"-" json:"-"`
	StallTimeout     time.Duration `toml:"-" json:"-"`

	Mirrors      []string `toml:"mirrors" json:"mirrors"`
	ExtraMirrors []string `toml:"extra_mirrors" json:"extra_mirrors"`

	DNSProvider string   `toml:"dns_provider" json:"dns_provider"` // auto, system, cloudflare, google, quad9, manual
	ManualDNS   []string `toml:"manual_dns" json:"manual_dns"`
	UseDoH      bool     `toml:"use_doh" json:"use_doh"`

	ProxyHTTP  string `toml:"proxy_http" json:"proxy_http"`
	ProxyHTTPS string `toml:"proxy_https" json:"proxy_https"`

	BypassBackend   string `toml:"bypass_backend" json:"bypass_backend"` // none, external, embedded
	SolverURL       string `toml:"solver_url" json:"solver_url"`
	SolverTimeoutMS int    `toml:"solver_timeout_ms" json:"solver_timeout_ms"`
	DonorKey        string `toml:"donor_key" json:"donor_key"`

	SourceOrder     []SourceEntry `toml:"source_order" json:"source_order"`
	DebugSkip       []string      `toml:"debug_skip" json:"debug_skip"`
	SearchLanguages []string      `toml:"search_languages" json:"search_languages"`

	AuthDBPath       string `toml:"auth_db_path" json:"auth_db_path"`
	RequireAuth      bool   `toml:"require_auth" json:"require_auth"`
	MaxLoginAttempts int    `toml:"max_login_attempts" json:"max_login_attempts"`
	LockoutMinutes   int    `toml:"lockout_minutes" json:"lockout_minutes"`

	// Seconds fields mirror the durations for TOML/DB round-trips.
	MainLoopSleepS    int `toml:"main_loop_sleep_s" json:"main_loop_sleep_s"`
	ProgressIntervalS int `toml:"progress_interval_s" json:"progress_interval_s"`
	StallTimeoutS     int `toml:"stall_timeout_s" json:"stall_timeout_s"`
}

// Defaults returns the baseline settings before file/env/db overlays.
func Defaults() Settings {
	return Settings{
		ListenAddr:         ":8084",
		DataDir:            "/var/lib/bookhound",
		TempDir:            os.TempDir(),
		IngestDir:          "/ingest",
		IngestDirOverrides: map[string]string{},
		SupportedFormats:   []string{"epub", "mobi", "azw3", "fb2", "djvu", "cbz", "cbr", "pdf"},
		UseBookTitle:       true,
		EnableCoverCache:   true,

		MaxConcurrent:     2,
		MainLoopSleepS:    5,
		ProgressIntervalS: 2,
		StallTimeoutS:     300,

		Mirrors: []string{
			"https://annas-archive.org",
			"https://annas-archive.se",
			"https://annas-archive.li",
		},

		DNSProvider: "auto",
		UseDoH:      true,

		BypassBackend:   "embedded",
		SolverTimeoutMS: 60000,

		SourceOrder: []SourceEntry{
			{Name: "fastapi", Enabled: true},
			{Name: "aa-page", Enabled: true},
			{Name: "welib", Enabled: true},
		},

		RequireAuth:      false,
		MaxLoginAttempts: 10,
		LockoutMinutes:   30,
	}
}

// finalize recomputes derived duration fields from their seconds mirrors.
func (s *Settings) finalize() {
	if s.MainLoopSleepS <= 0 {
		s.MainLoopSleepS = 5
	}
	if s.ProgressIntervalS <= 0 {
		s.ProgressIntervalS = 2
	}
	if s.StallTimeoutS <= 0 {
		s.StallTimeoutS = 300
	}
	s.MainLoopSleep = time.Duration(s.MainLoopSleepS) * time.Second
	s.ProgressInterval = time.Duration(s.ProgressIntervalS) * time.Second
	s.StallTimeout = time.Duration(s.StallTimeoutS) * time.Second
}

// AllMirrors returns the configured mirror list plus user additions, in order.
func (s Settings) AllMirrors() []string {
	out := make([]string, 0, len(s.Mirrors)+len(s.ExtraMirrors))
	out = append(out, s.Mirrors...)
	out = append(out, s.ExtraMirrors...)
	return out
}

// IngestDirFor returns the ingest directory for a content type, honoring
// per-type overrides.
func (s Settings) IngestDirFor(contentType string) string {
	if dir, ok := s.IngestDirOverrides[contentType]; ok && dir != "" {
		return dir
	}
	return s.IngestDir
}

// ActionResult is returned by action-button callbacks.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ActionFunc is a server-side callback invoked with the currently-edited
// (unsaved) setting values.
type ActionFunc func(unsaved map[string]string) ActionResult

// Manager owns the live Settings value and its persistence.
type Manager struct {
	mu       sync.RWMutex
	settings Settings
	store    *storage.Storage
	actions  map[string]ActionFunc
	onChange []func(Settings)
}

// Load builds a Manager: defaults, then the optional TOML file, then
// environment variables, then runtime values persisted in the settings table.
func Load(tomlPath string, store *storage.Storage) (*Manager, error) {
	s := Defaults()

	if tomlPath != "" {
		if _, err := os.Stat(tomlPath); err == nil {
			if _, err := toml.DecodeFile(tomlPath, &s); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(&s)

	m := &Manager{
		settings: s,
		store:    store,
		actions:  make(map[string]ActionFunc),
	}

	if store != nil {
		saved, err := store.AllSettings()
		if err != nil {
			return nil, err
		}
		m.applyValues(&s, saved)
	}

	s.finalize()
	m.settings = s
	return m, nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// OnChange registers a callback fired after every successful Update.
func (m *Manager) OnChange(fn func(Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Update applies schema-keyed string values, persists them, and notifies
// listeners. Unknown keys are rejected.
func (m *Manager) Update(values map[string]string) error {
	m.mu.Lock()
	s := m.settings
	if err := m.applyValuesStrict(&s, values); err != nil {
		m.mu.Unlock()
		return err
	}
	s.finalize()
	m.settings = s
	listeners := append([]func(Settings){}, m.onChange...)
	m.mu.Unlock()

	if m.store != nil {
		for k, v := range values {
			if err := m.store.SetString(k, v); err != nil {
				return err
			}
		}
	}
	for _, fn := range listeners {
		fn(s)
	}
	return nil
}

// RegisterAction binds an action-button callback by key.
func (m *Manager) RegisterAction(key string, fn ActionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[key] = fn
}

// RunAction dispatches an action button. Unknown actions return a failure
// result rather than an error so the UI can display it.
func (m *Manager) RunAction(key string, unsaved map[string]string) ActionResult {
	m.mu.RLock()
	fn, ok := m.actions[key]
	m.mu.RUnlock()
	if !ok {
		return ActionResult{Success: false, Message: "unknown action: " + key}
	}
	return fn(unsaved)
}

// applyValues applies without strict key checking (used for the DB overlay,
// which may contain keys from older versions).
func (m *Manager) applyValues(s *Settings, values map[string]string) {
	for k, v := range values {
		_ = applyOne(s, k, v)
	}
}

func (m *Manager) applyValuesStrict(s *Settings, values map[string]string) error {
	for k, v := range values {
		if err := applyOne(s, k, v); err != nil {
			return err
		}
	}
	return nil
}

// applyOne maps one schema key onto the typed struct.
func applyOne(s *Settings, key, value string) error {
	switch key {
	case "listen_addr":
		s.ListenAddr = value
	case "ingest_dir":
		s.IngestDir = value
	case "temp_dir":
		s.TempDir = value
	case "ingest_dir_ebook", "ingest_dir_audiobook", "ingest_dir_magazine":
		if s.IngestDirOverrides == nil {
			s.IngestDirOverrides = map[string]string{}
		}
		s.IngestDirOverrides[strings.TrimPrefix(key, "ingest_dir_")] = value
	case "supported_formats":
		s.SupportedFormats = splitCSV(value)
	case "use_book_title":
		s.UseBookTitle = value == "true"
	case "enable_cover_cache":
		s.EnableCoverCache = value == "true"
	case "max_concurrent":
		return setInt(&s.MaxConcurrent, key, value, 1, 16)
	case "main_loop_sleep_s":
		return setInt(&s.MainLoopSleepS, key, value, 1, 300)
	case "progress_interval_s":
		return setInt(&s.ProgressIntervalS, key, value, 1, 60)
	case "stall_timeout_s":
		return setInt(&s.StallTimeoutS, key, value, 30, 3600)
	case "mirrors":
		s.Mirrors = splitCSV(value)
	case "extra_mirrors":
		s.ExtraMirrors = splitCSV(value)
	case "dns_provider":
		switch value {
		case "auto", "system", "cloudflare", "google", "quad9", "manual":
			s.DNSProvider = value
		default:
			return fmt.Errorf("invalid dns_provider: %q", value)
		}
	case "manual_dns":
		s.ManualDNS = splitCSV(value)
	case "use_doh":
		s.UseDoH = value == "true"
	case "proxy_http":
		s.ProxyHTTP = value
	case "proxy_https":
		s.ProxyHTTPS = value
	case "bypass_backend":
		switch value {
		case "none", "external", "embedded":
			s.BypassBackend = value
		default:
			return fmt.Errorf("invalid bypass_backend: %q", value)
		}
	case "solver_url":
		s.SolverURL = value
	case "solver_timeout_ms":
		return setInt(&s.SolverTimeoutMS, key, value, 1000, 300000)
	case "donor_key":
		s.DonorKey = value
	case "source_order":
		s.SourceOrder = parseSourceOrder(value)
	case "debug_skip":
		s.DebugSkip = splitCSV(value)
	case "search_languages":
		s.SearchLanguages = splitCSV(value)
	case "auth_db_path":
		s.AuthDBPath = value
	case "require_auth":
		s.RequireAuth = value == "true"
	case "max_login_attempts":
		return setInt(&s.MaxLoginAttempts, key, value, 1, 100)
	case "lockout_minutes":
		return setInt(&s.LockoutMinutes, key, value, 1, 1440)
	default:
		return fmt.Errorf("unknown setting: %q", key)
	}
	return nil
}

func setInt(dst *int, key, value string, min, max int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	if n < min || n > max {
		return fmt.Errorf("setting %s: %d out of range [%d,%d]", key, n, min, max)
	}
	*dst = n
	return nil
}

func splitCSV(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseSourceOrder decodes "fastapi:on,welib:off" into entries, order kept.
func parseSourceOrder(value string) []SourceEntry {
	var out []SourceEntry
	for _, item := range splitCSV(value) {
		name, state, found := strings.Cut(item, ":")
		out = append(out, SourceEntry{Name: name, Enabled: !found || state != "off"})
	}
	return out
}

// FormatSourceOrder is the inverse of parseSourceOrder.
func FormatSourceOrder(entries []SourceEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		state := "on"
		if !e.Enabled {
			state = "off"
		}
		parts = append(parts, e.Name+":"+state)
	}
	return strings.Join(parts, ",")
}

// Values renders the settings as schema-keyed strings, the inverse of
// applyOne. The API serves this next to the schema.
func (s Settings) Values() map[string]string {
	boolStr := func(b bool) string {
		if b {
			return "true"
		}
		return "false"
	}
	out := map[string]string{
		"listen_addr":          s.ListenAddr,
		"ingest_dir":           s.IngestDir,
		"temp_dir":             s.TempDir,
		"ingest_dir_ebook":     s.IngestDirOverrides["ebook"],
		"ingest_dir_audiobook": s.IngestDirOverrides["audiobook"],
		"ingest_dir_magazine":  s.IngestDirOverrides["magazine"],
		"supported_formats":    strings.Join(s.SupportedFormats, ","),
		"use_book_title":       boolStr(s.UseBookTitle),
		"enable_cover_cache":   boolStr(s.EnableCoverCache),
		"max_concurrent":       strconv.Itoa(s.MaxConcurrent),
		"main_loop_sleep_s":    strconv.Itoa(s.MainLoopSleepS),
		"progress_interval_s":  strconv.Itoa(s.ProgressIntervalS),
		"stall_timeout_s":      strconv.Itoa(s.StallTimeoutS),
		"mirrors":              strings.Join(s.Mirrors, ","),
		"extra_mirrors":        strings.Join(s.ExtraMirrors, ","),
		"dns_provider":         s.DNSProvider,
		"manual_dns":           strings.Join(s.ManualDNS, ","),
		"use_doh":              boolStr(s.UseDoH),
		"proxy_http":           s.ProxyHTTP,
		"proxy_https":          s.ProxyHTTPS,
		"bypass_backend":       s.BypassBackend,
		"solver_url":           s.SolverURL,
		"solver_timeout_ms":    strconv.Itoa(s.SolverTimeoutMS),
		"donor_key":            s.DonorKey,
		"source_order":         FormatSourceOrder(s.SourceOrder),
		"debug_skip":           strings.Join(s.DebugSkip, ","),
		"search_languages":     strings.Join(s.SearchLanguages, ","),
		"auth_db_path":         s.AuthDBPath,
		"require_auth":         boolStr(s.RequireAuth),
		"max_login_attempts":   strconv.Itoa(s.MaxLoginAttempts),
		"lockout_minutes":      strconv.Itoa(s.LockoutMinutes),
	}
	return out
}

// applyEnv overlays environment variables for env-supported keys.
func applyEnv(s *Settings) {
	for _, f := range Schema().Fields() {
		if !f.EnvSupported {
			continue
		}
		env := "BOOKHOUND_" + strings.ToUpper(f.Key)
		if v, ok := os.LookupEnv(env); ok {
			_ = applyOne(s, f.Key, v)
		}
	}
}
