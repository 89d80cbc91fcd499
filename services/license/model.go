package license

import (
	"net"
	"time"

	"safekey-licensing/pkg/jsonfield"
	"safekey-licensing/services/catalog"

	"gorm.io/datatypes"
)

type RequestStatus string

var (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending, RequestApproved, RequestRejected, RequestCancelled:
		return string(s)
	default:
		return ""
	}
}

type Status string

var (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

func (s Status) String() string {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired, StatusRevoked:
		return string(s)
	default:
		return ""
	}
}

// Live reports whether the status still counts against the tenant's caps.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusSuspended
}

// Configuration is copied from the license type when the license is issued.
type Configuration = catalog.Configuration

type HardwareDetails struct {
	HddID          string         `json:"hdd_id,omitempty"`
	MotherboardID  string         `json:"motherboard_id,omitempty"`
	CPUID          string         `json:"cpu_id,omitempty"`
	MacAddress     string         `json:"mac_address,omitempty"`
	OSVersion      string         `json:"os_version,omitempty"`
	Architecture   string         `json:"architecture,omitempty"`
	TotalRAM       int64          `json:"total_ram,omitempty"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
	Extra          map[string]any `json:"-"`
}

type hardwareFields HardwareDetails

func (h HardwareDetails) MarshalJSON() ([]byte, error) {
	return jsonfield.Marshal(hardwareFields(h), h.Extra)
}

func (h *HardwareDetails) UnmarshalJSON(b []byte) error {
	return jsonfield.Unmarshal(b, (*hardwareFields)(h), &h.Extra)
}

type Request struct {
	ID            string            `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt     time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at" json:"updated_at"`
	TenantID      string            `gorm:"column:tenant_id;index;uniqueIndex:idx_request_tenant_code,priority:1" json:"tenant_id"`
	Code          string            `gorm:"column:code;uniqueIndex:idx_request_tenant_code,priority:2" json:"code"`
	UserID        string            `gorm:"column:user_id;index" json:"user_id"`
	LicenseTypeID string            `gorm:"column:license_type_id;index" json:"license_type_id"`
	Status        RequestStatus     `gorm:"column:status;index" json:"status"`
	Reason        string            `gorm:"column:reason" json:"reason,omitempty"`
	PaymentID     string            `gorm:"column:payment_id" json:"payment_id,omitempty"`
	Attributes    datatypes.JSONMap `gorm:"column:attributes" json:"attributes,omitempty"`
	Version       int64             `gorm:"column:version" json:"version"`
}

func (Request) TableName() string {
	return "license_requests"
}

type License struct {
	ID               string                              `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt        time.Time                           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time                           `gorm:"column:updated_at" json:"updated_at"`
	TenantID         string                              `gorm:"column:tenant_id;index;uniqueIndex:idx_license_tenant_code,priority:1" json:"tenant_id"`
	Code             string                              `gorm:"column:code;uniqueIndex:idx_license_tenant_code,priority:2" json:"code"`
	RequestID        string                              `gorm:"column:request_id;uniqueIndex" json:"request_id"`
	LicenseTypeID    string                              `gorm:"column:license_type_id;index" json:"license_type_id"`
	UserID           string                              `gorm:"column:user_id;index" json:"user_id"`
	APIKeyPrefix     string                              `gorm:"column:api_key_prefix" json:"api_key_prefix"`
	APIKeyHash       string                              `gorm:"column:api_key_hash" json:"-"`
	HardwareInfo     string                              `gorm:"column:hardware_info" json:"hardware_info,omitempty"`
	HardwareDetails  datatypes.JSONType[HardwareDetails] `gorm:"column:hardware_details" json:"hardware_details"`
	StartsAt         time.Time                           `gorm:"column:starts_at" json:"starts_at"`
	ExpiresAt        time.Time                           `gorm:"column:expires_at;index" json:"expires_at"`
	Status           Status                              `gorm:"column:status;index" json:"status"`
	LastHeartbeatAt  *time.Time                          `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	FailedHeartbeats int                                 `gorm:"column:failed_heartbeats" json:"failed_heartbeats"`
	AllowedIPs       datatypes.JSONSlice[string]         `gorm:"column:allowed_ips" json:"allowed_ips"`
	Features         datatypes.JSONSlice[string]         `gorm:"column:features" json:"features"`
	Configuration    datatypes.JSONType[Configuration]   `gorm:"column:configuration" json:"configuration"`
	SuspendedAt      *time.Time                          `gorm:"column:suspended_at" json:"suspended_at,omitempty"`
	RevokedAt        *time.Time                          `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	RevocationReason string                              `gorm:"column:revocation_reason" json:"revocation_reason,omitempty"`
	ExpiryNotifiedAt *time.Time                          `gorm:"column:expiry_notified_at" json:"-"`
	Version          int64                               `gorm:"column:version" json:"version"`
}

// ExpiredAt reports whether the validity window closed before now.
func (m *License) ExpiredAt(now time.Time) bool {
	return m.Status == StatusExpired || now.After(m.ExpiresAt)
}

// IPAllowed reports whether ip may use the license. An empty allow list
// admits every address.
func (m *License) IPAllowed(ip string) bool {
	if len(m.AllowedIPs) == 0 {
		return true
	}
	presented := canonicalIP(ip)
	for _, allowed := range m.AllowedIPs {
		if canonicalIP(allowed) == presented && presented != "" {
			return true
		}
	}
	return false
}

// HasFeature reports whether feature is listed or switched on by a flag.
func (m *License) HasFeature(feature string) bool {
	for _, f := range m.Features {
		if f == feature {
			return true
		}
	}
	return m.Configuration.Data().FeatureFlags[feature]
}

func canonicalIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	return parsed.String()
}

// Activation is returned once when a request is approved. APIKey is never
// stored in plain text.
type Activation struct {
	License *License `json:"license"`
	APIKey  string   `json:"api_key"`
}

type Heartbeat struct {
	ID           string            `gorm:"column:id;primaryKey" json:"id"`
	TenantID     string            `gorm:"column:tenant_id;index" json:"tenant_id"`
	LicenseID    string            `gorm:"column:license_id;index" json:"license_id"`
	ReceivedAt   time.Time         `gorm:"column:received_at;index" json:"received_at"`
	IPAddress    string            `gorm:"column:ip_address" json:"ip_address"`
	HardwareInfo string            `gorm:"column:hardware_info" json:"hardware_info,omitempty"`
	SystemInfo   datatypes.JSONMap `gorm:"column:system_info" json:"system_info,omitempty"`
}
