package config

// Field types understood by the settings UI.
const (
	TypeText        = "text"
	TypeNumber      = "number"
	TypeCheckbox    = "checkbox"
	TypeSelect      = "select"
	TypeMultiSelect = "multi-select"
	TypePassword    = "password"
	TypeAction      = "action-button"
)

// Condition is a visibility or disabled predicate: the field named Key must
// currently hold Value.
type Condition struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Field describes one setting for the UI. Data only; behavior lives in
// registered action callbacks.
type Field struct {
	Key          string     `json:"key"`
	Type         string     `json:"type"`
	Label        string     `json:"label"`
	Description  string     `json:"description,omitempty"`
	Default      string     `json:"default,omitempty"`
	Options      []string   `json:"options,omitempty"`
	ShowWhen     *Condition `json:"show_when,omitempty"`
	DisabledWhen *Condition `json:"disabled_when,omitempty"`
	EnvSupported bool       `json:"env_supported,omitempty"`
	Action       string     `json:"action,omitempty"` // action-button callback key
}

// Group is a titled block of fields within a tab.
type Group struct {
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// Tab is a page of the settings UI.
type Tab struct {
	Title  string  `json:"title"`
	Groups []Group `json:"groups"`
}

// SchemaDef is the whole settings surface.
type SchemaDef struct {
	Tabs []Tab `json:"tabs"`
}

// Fields flattens every field across tabs and groups.
func (d SchemaDef) Fields() []Field {
	var out []Field
	for _, t := range d.Tabs {
		for _, g := range t.Groups {
			out = append(out, g.Fields...)
		}
	}
	return out
}

// Schema returns the settings schema the API serves to the UI.
func Schema() SchemaDef {
	return SchemaDef{Tabs: []Tab{
		{Title: "Downloads", Groups: []Group{
			{Title: "Queue", Fields: []Field{
				{Key: "max_concurrent", Type: TypeNumber, Label: "Max concurrent downloads", Default: "2", EnvSupported: true},
				{Key: "main_loop_sleep_s", Type: TypeNumber, Label: "Scheduler loop sleep (s)", Default: "5"},
				{Key: "progress_interval_s", Type: TypeNumber, Label: "Progress update interval (s)", Default: "2"},
				{Key: "stall_timeout_s", Type: TypeNumber, Label: "Stall timeout (s)", Description: "Cancel a download with no activity for this long", Default: "300"},
			}},
			{Title: "Sources", Fields: []Field{
				{Key: "source_order", Type: TypeText, Label: "Source priority", Description: "Ordered list, name:on or name:off", Default: "fastapi:on,aa-page:on,welib:on"},
				{Key: "debug_skip", Type: TypeText, Label: "Debug: skip sources"},
			}},
			{Title: "Files", Fields: []Field{
				{Key: "ingest_dir", Type: TypeText, Label: "Ingest directory", EnvSupported: true},
				{Key: "ingest_dir_ebook", Type: TypeText, Label: "Ebook ingest override"},
				{Key: "ingest_dir_audiobook", Type: TypeText, Label: "Audiobook ingest override"},
				{Key: "ingest_dir_magazine", Type: TypeText, Label: "Magazine ingest override"},
				{Key: "supported_formats", Type: TypeMultiSelect, Label: "Supported formats",
					Options: []string{"epub", "mobi", "azw3", "fb2", "djvu", "cbz", "cbr", "pdf"}},
				{Key: "use_book_title", Type: TypeCheckbox, Label: "Use book title as filename", Default: "true"},
				{Key: "enable_cover_cache", Type: TypeCheckbox, Label: "Cache cover images", Default: "true"},
			}},
		}},
		{Title: "Network", Groups: []Group{
			{Title: "Mirrors", Fields: []Field{
				{Key: "mirrors", Type: TypeText, Label: "Mirror list", EnvSupported: true},
				{Key: "extra_mirrors", Type: TypeText, Label: "Additional mirrors"},
				{Key: "probe_mirrors", Type: TypeAction, Label: "Test mirrors", Action: "probe_mirrors"},
			}},
			{Title: "DNS", Fields: []Field{
				{Key: "dns_provider", Type: TypeSelect, Label: "DNS provider", Default: "auto",
					Options: []string{"auto", "system", "cloudflare", "google", "quad9", "manual"}},
				{Key: "manual_dns", Type: TypeText, Label: "Manual nameserver IPs",
					ShowWhen: &Condition{Key: "dns_provider", Value: "manual"}},
				{Key: "use_doh", Type: TypeCheckbox, Label: "DNS over HTTPS", Default: "true",
					DisabledWhen: &Condition{Key: "dns_provider", Value: "system"}},
			}},
			{Title: "Proxy", Fields: []Field{
				{Key: "proxy_http", Type: TypeText, Label: "HTTP proxy", EnvSupported: true},
				{Key: "proxy_https", Type: TypeText, Label: "HTTPS proxy", EnvSupported: true},
			}},
		}},
		{Title: "Bypass", Groups: []Group{
			{Title: "Challenge solver", Fields: []Field{
				{Key: "bypass_backend", Type: TypeSelect, Label: "Backend", Default: "embedded",
					Options: []string{"none", "external", "embedded"}},
				{Key: "solver_url", Type: TypeText, Label: "External solver endpoint",
					ShowWhen: &Condition{Key: "bypass_backend", Value: "external"}, EnvSupported: true},
				{Key: "solver_timeout_ms", Type: TypeNumber, Label: "Solver timeout (ms)", Default: "60000"},
				{Key: "donor_key", Type: TypePassword, Label: "Donor key", Description: "Skips the bypass entirely when set", EnvSupported: true},
				{Key: "test_bypass", Type: TypeAction, Label: "Test bypass", Action: "test_bypass"},
			}},
		}},
		{Title: "Security", Groups: []Group{
			{Title: "Authentication", Fields: []Field{
				{Key: "require_auth", Type: TypeCheckbox, Label: "Require login", Default: "false", EnvSupported: true},
				{Key: "auth_db_path", Type: TypeText, Label: "Auth database path", EnvSupported: true},
				{Key: "max_login_attempts", Type: TypeNumber, Label: "Max login attempts", Default: "10"},
				{Key: "lockout_minutes", Type: TypeNumber, Label: "Lockout duration (min)", Default: "30"},
			}},
			{Title: "Server", Fields: []Field{
				{Key: "listen_addr", Type: TypeText, Label: "Listen address", Default: ":8084", EnvSupported: true},
			}},
		}},
	}}
}
