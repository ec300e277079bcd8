package source

// Column describes one UI column a release source emits. The schema is
// data-only; the API serializes it so the UI can render arbitrary sources.
type Column struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Render string `json:"render,omitempty"` // text, size, badge, link
	Width  int    `json:"width,omitempty"`
	Mobile bool   `json:"mobile"`
}

// ColumnConfig is a source's full column schema.
type ColumnConfig struct {
	Columns []Column `json:"columns"`
}

// DefaultColumns is the schema shared by the catalog-backed sources.
func DefaultColumns() ColumnConfig {
	return ColumnConfig{Columns: []Column{
		{Key: "title", Label: "Title", Render: "text", Width: 40, Mobile: true},
		{Key: "author", Label: "Author", Render: "text", Width: 25, Mobile: true},
		{Key: "format", Label: "Format", Render: "badge", Width: 10, Mobile: true},
		{Key: "language", Label: "Language", Render: "badge", Width: 10, Mobile: false},
		{Key: "size", Label: "Size", Render: "size", Width: 15, Mobile: false},
	}}
}
