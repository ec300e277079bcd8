package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookhound/internal/storage"
)

func TestValuesRoundTripThroughApplyOne(t *testing.T) {
	base := Defaults()
	base.IngestDirOverrides = map[string]string{"audiobook": "/audio"}
	base.ManualDNS = []string{"1.1.1.1", "9.9.9.9"}
	base.SearchLanguages = []string{"en", "de"}
	base.finalize()

	values := base.Values()

	var rebuilt Settings
	for key, value := range values {
		require.NoError(t, applyOne(&rebuilt, key, value), "key %s", key)
	}
	rebuilt.finalize()

	// temp_dir is applied but not rendered through overrides, so compare the
	// interesting parts directly.
	assert.Equal(t, base.ListenAddr, rebuilt.ListenAddr)
	assert.Equal(t, base.SupportedFormats, rebuilt.SupportedFormats)
	assert.Equal(t, base.MaxConcurrent, rebuilt.MaxConcurrent)
	assert.Equal(t, base.Mirrors, rebuilt.Mirrors)
	assert.Equal(t, base.SourceOrder, rebuilt.SourceOrder)
	assert.Equal(t, base.ManualDNS, rebuilt.ManualDNS)
	assert.Equal(t, base.SearchLanguages, rebuilt.SearchLanguages)
	assert.Equal(t, "/audio", rebuilt.IngestDirOverrides["audiobook"])
	assert.Equal(t, base.StallTimeout, rebuilt.StallTimeout)
}

func TestEverySchemaKeyIsApplicable(t *testing.T) {
	s := Defaults()
	values := s.Values()
	for _, f := range Schema().Fields() {
		if f.Type == TypeAction {
			continue
		}
		v, ok := values[f.Key]
		assert.True(t, ok, "schema key %s has no rendered value", f.Key)
		assert.NoError(t, applyOne(&s, f.Key, v), "schema key %s", f.Key)
	}
}

func TestApplyOneRejectsBadValues(t *testing.T) {
	s := Defaults()

	assert.ErrorContains(t, applyOne(&s, "favorite_color", "blue"), "unknown setting")
	assert.ErrorContains(t, applyOne(&s, "max_concurrent", "17"), "out of range")
	assert.ErrorContains(t, applyOne(&s, "max_concurrent", "zero"), "max_concurrent")
	assert.ErrorContains(t, applyOne(&s, "dns_provider", "opendns"), "invalid dns_provider")
	assert.ErrorContains(t, applyOne(&s, "bypass_backend", "cluster"), "invalid bypass_backend")
	assert.ErrorContains(t, applyOne(&s, "stall_timeout_s", "10"), "out of range")

	assert.Equal(t, 2, s.MaxConcurrent, "rejected values leave the struct untouched")
	assert.Equal(t, "auto", s.DNSProvider)
}

func TestManagerUpdateIsAllOrNothing(t *testing.T) {
	m, err := Load("", nil)
	require.NoError(t, err)

	err = m.Update(map[string]string{
		"max_concurrent": "4",
		"dns_provider":   "not-a-provider",
	})
	require.Error(t, err)
	assert.Equal(t, 2, m.Get().MaxConcurrent, "failed update applies nothing")

	require.NoError(t, m.Update(map[string]string{"max_concurrent": "4"}))
	assert.Equal(t, 4, m.Get().MaxConcurrent)
}

func TestManagerUpdateNotifiesAndPersists(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	m, err := Load("", store)
	require.NoError(t, err)

	var seen []Settings
	m.OnChange(func(s Settings) { seen = append(seen, s) })

	require.NoError(t, m.Update(map[string]string{"stall_timeout_s": "120"}))
	require.Len(t, seen, 1)
	assert.Equal(t, 120, seen[0].StallTimeoutS)

	// A fresh load from the same store picks the persisted value back up.
	m2, err := Load("", store)
	require.NoError(t, err)
	assert.Equal(t, 120, m2.Get().StallTimeoutS)
}

func TestLoadReadsTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = ":9090"
max_concurrent = 3
mirrors = ["https://m1.example", "https://m2.example"]

[[source_order]]
name = "fastapi"
enabled = false
`), 0o644))

	m, err := Load(path, nil)
	require.NoError(t, err)

	s := m.Get()
	assert.Equal(t, ":9090", s.ListenAddr)
	assert.Equal(t, 3, s.MaxConcurrent)
	assert.Equal(t, []string{"https://m1.example", "https://m2.example"}, s.Mirrors)
	require.Len(t, s.SourceOrder, 1)
	assert.False(t, s.SourceOrder[0].Enabled)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("BOOKHOUND_MAX_CONCURRENT", "6")
	t.Setenv("BOOKHOUND_LISTEN_ADDR", ":7070")
	t.Setenv("BOOKHOUND_MAIN_LOOP_SLEEP_S", "1") // not env-supported; ignored

	m, err := Load("", nil)
	require.NoError(t, err)

	s := m.Get()
	assert.Equal(t, 6, s.MaxConcurrent)
	assert.Equal(t, ":7070", s.ListenAddr)
	assert.Equal(t, 5, s.MainLoopSleepS)
}

func TestFinalizeDerivesDurations(t *testing.T) {
	s := Settings{MainLoopSleepS: 7, ProgressIntervalS: 3, StallTimeoutS: 90}
	s.finalize()
	assert.Equal(t, "7s", s.MainLoopSleep.String())
	assert.Equal(t, "3s", s.ProgressInterval.String())
	assert.Equal(t, "1m30s", s.StallTimeout.String())

	var zero Settings
	zero.finalize()
	assert.Equal(t, "5s", zero.MainLoopSleep.String())
	assert.Equal(t, "5m0s", zero.StallTimeout.String())
}

func TestSourceOrderCodec(t *testing.T) {
	entries := parseSourceOrder("fastapi:on, aa-page:off ,welib")
	assert.Equal(t, []SourceEntry{
		{Name: "fastapi", Enabled: true},
		{Name: "aa-page", Enabled: false},
		{Name: "welib", Enabled: true},
	}, entries)

	assert.Equal(t, "fastapi:on,aa-page:off,welib:on", FormatSourceOrder(entries))
	assert.Empty(t, parseSourceOrder(""))
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a ,, b ,"))
	assert.Nil(t, splitCSV(""))
}

func TestAllMirrorsAndIngestDirFor(t *testing.T) {
	s := Defaults()
	s.ExtraMirrors = []string{"https://extra.example"}
	mirrors := s.AllMirrors()
	require.Len(t, mirrors, 4)
	assert.Equal(t, "https://extra.example", mirrors[3])

	s.IngestDirOverrides = map[string]string{"audiobook": "/audio", "magazine": ""}
	assert.Equal(t, "/audio", s.IngestDirFor("audiobook"))
	assert.Equal(t, s.IngestDir, s.IngestDirFor("magazine"), "empty override falls through")
	assert.Equal(t, s.IngestDir, s.IngestDirFor("ebook"))
}

func TestRunAction(t *testing.T) {
	m, err := Load("", nil)
	require.NoError(t, err)

	m.RegisterAction("probe_mirrors", func(unsaved map[string]string) ActionResult {
		return ActionResult{Success: true, Message: "checked " + unsaved["mirrors"]}
	})

	res := m.RunAction("probe_mirrors", map[string]string{"mirrors": "https://m.example"})
	assert.True(t, res.Success)
	assert.Equal(t, "checked https://m.example", res.Message)

	res = m.RunAction("launch_rockets", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown action")
}
