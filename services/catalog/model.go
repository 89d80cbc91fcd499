package catalog

import (
	"time"

	"safekey-licensing/pkg/jsonfield"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const DefaultSoftwareVersion = "1.0.0"

type Software struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
	TenantID    string    `gorm:"column:tenant_id;index" json:"tenant_id"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	Description string    `gorm:"column:description" json:"description,omitempty"`
	Version     string    `gorm:"column:version" json:"version"`
	Active      bool      `gorm:"column:active" json:"active"`
}

func (Software) TableName() string {
	return "softwares"
}

// Configuration drives runtime enforcement of an issued license. License types
// carry the default copied into every license they produce.
type Configuration struct {
	MaxUsers                 int             `json:"max_users"`
	MaxInstallations         int             `json:"max_installations"`
	AllowOfflineUse          bool            `json:"allow_offline_use"`
	OfflineDaysLimit         int             `json:"offline_days_limit"`
	AllowRebind              bool            `json:"allow_rebind"`
	HeartbeatIntervalMinutes int             `json:"heartbeat_interval_minutes,omitempty"`
	FeatureFlags             map[string]bool `json:"feature_flags,omitempty"`
	CustomSettings           map[string]any  `json:"custom_settings,omitempty"`
	Extra                    map[string]any  `json:"-"`
}

type configurationFields Configuration

func (c Configuration) MarshalJSON() ([]byte, error) {
	return jsonfield.Marshal(configurationFields(c), c.Extra)
}

func (c *Configuration) UnmarshalJSON(b []byte) error {
	return jsonfield.Unmarshal(b, (*configurationFields)(c), &c.Extra)
}

func DefaultConfiguration() Configuration {
	return Configuration{
		MaxUsers:         1,
		MaxInstallations: 1,
		OfflineDaysLimit: 7,
	}
}

type LicenseType struct {
	ID                   string                            `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt            time.Time                         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time                         `gorm:"column:updated_at" json:"updated_at"`
	TenantID             string                            `gorm:"column:tenant_id;index" json:"tenant_id"`
	SoftwareID           string                            `gorm:"column:software_id;index" json:"software_id,omitempty"`
	Name                 string                            `gorm:"column:name;not null" json:"name"`
	Description          string                            `gorm:"column:description" json:"description,omitempty"`
	Price                decimal.Decimal                   `gorm:"column:price;type:decimal(10,2)" json:"price"`
	DurationDays         int                               `gorm:"column:duration_days" json:"duration_days"`
	Features             datatypes.JSONSlice[string]       `gorm:"column:features" json:"features"`
	DefaultConfiguration datatypes.JSONType[Configuration] `gorm:"column:default_configuration" json:"default_configuration"`
	Eligibility          string                            `gorm:"column:eligibility" json:"eligibility,omitempty"`
	Active               bool                              `gorm:"column:active" json:"active"`
}

func (LicenseType) TableName() string {
	return "license_types"
}

// RequiresPayment reports whether approving a request for this type needs a
// completed payment.
func (m *LicenseType) RequiresPayment() bool {
	return m.Price.IsPositive()
}

// Duration is the validity window granted by one license.
func (m *LicenseType) Duration() time.Duration {
	return time.Duration(m.DurationDays) * 24 * time.Hour
}

// HasFeature reports whether name is one of the type's features.
func (m *LicenseType) HasFeature(name string) bool {
	for _, f := range m.Features {
		if f == name {
			return true
		}
	}
	return false
}
