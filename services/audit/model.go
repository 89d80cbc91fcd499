package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Level string

var (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) String() string {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return string(l)
	default:
		return ""
	}
}

const MaxMessageLength = 1000

type Log struct {
	ID         string            `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt  time.Time         `gorm:"column:created_at;index" json:"created_at"`
	Level      Level             `gorm:"column:level;index" json:"level"`
	Message    string            `gorm:"column:message;size:1000" json:"message"`
	Details    string            `gorm:"column:details" json:"details,omitempty"`
	IPAddress  string            `gorm:"column:ip_address" json:"ip_address,omitempty"`
	UserAgent  string            `gorm:"column:user_agent" json:"user_agent,omitempty"`
	UserID     string            `gorm:"column:user_id" json:"user_id,omitempty"`
	TenantID   string            `gorm:"column:tenant_id;index" json:"tenant_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	SearchText string            `gorm:"column:search_text" json:"-"`
}

type Actor struct {
	IP        string
	UserAgent string
	UserID    string
}

// Entry is what callers hand to Append.
type Entry struct {
	Level    Level
	Message  string
	Details  string
	TenantID string
	Actor    Actor
	Metadata map[string]any
}

// searchText builds the lowercase text Search matches against.
func searchText(message, details string, metadata map[string]any) string {
	parts := []string{message, details}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprint(metadata[k]))
	}

	return strings.ToLower(strings.Join(parts, " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
