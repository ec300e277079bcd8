package storage

// TaskRecord is the persisted history row for a task that reached a terminal
// status. The live queue is in-memory; this table is the audit trail.
type TaskRecord struct {
	TaskID       string `gorm:"primaryKey" json:"task_id"`
	Source       string `gorm:"index" json:"source"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	Format       string `json:"format"`
	Size         string `json:"size"`
	Status       string `gorm:"index" json:"status"` // COMPLETE, ERROR, CANCELLED, DONE
	StatusMsg    string `json:"status_message"`
	DownloadPath string `json:"download_path"`
	AddedAt      string `json:"added_at"`    // RFC3339
	FinishedAt   string `json:"finished_at"` // RFC3339
}

// TableName specifies the table name for TaskRecord
func (TaskRecord) TableName() string {
	return "task_records"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}

// AuthUser maps the user table of the external auth database. Read-only: the
// service verifies passwords against it but never writes it.
type AuthUser struct {
	ID       int    `gorm:"primaryKey;column:id"`
	Name     string `gorm:"column:name"`
	Password string `gorm:"column:password"` // salted hash, e.g. pbkdf2:sha256:...
}

// TableName specifies the table name for AuthUser
func (AuthUser) TableName() string {
	return "user"
}
