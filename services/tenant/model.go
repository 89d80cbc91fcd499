package tenant

import (
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/jsonfield"

	"gorm.io/datatypes"
)

type Plan string

var (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

func (p Plan) String() string {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return string(p)
	default:
		return ""
	}
}

func (p Plan) Valid() bool {
	return p.String() != ""
}

type Settings struct {
	TimeZone                     string         `json:"timezone"`
	Language                     string         `json:"language"`
	Currency                     string         `json:"currency"`
	EnableAutoRenewal            bool           `json:"enable_auto_renewal"`
	HeartbeatIntervalMinutes     int            `json:"heartbeat_interval_minutes"`
	LicenseExpirationWarningDays int            `json:"license_expiration_warning_days"`
	CustomSettings               map[string]any `json:"custom_settings,omitempty"`
	Extra                        map[string]any `json:"-"`
}

type settingsFields Settings

func (s Settings) MarshalJSON() ([]byte, error) {
	return jsonfield.Marshal(settingsFields(s), s.Extra)
}

func (s *Settings) UnmarshalJSON(b []byte) error {
	return jsonfield.Unmarshal(b, (*settingsFields)(s), &s.Extra)
}

func DefaultSettings() Settings {
	return Settings{
		TimeZone:                     "UTC",
		Language:                     "es",
		Currency:                     "USD",
		EnableAutoRenewal:            true,
		HeartbeatIntervalMinutes:     30,
		LicenseExpirationWarningDays: 7,
	}
}

type Branding struct {
	PrimaryColor   string         `json:"primary_color,omitempty"`
	SecondaryColor string         `json:"secondary_color,omitempty"`
	LogoURL        string         `json:"logo_url,omitempty"`
	FaviconURL     string         `json:"favicon_url,omitempty"`
	CompanyName    string         `json:"company_name,omitempty"`
	CustomCSS      string         `json:"custom_css,omitempty"`
	Extra          map[string]any `json:"-"`
}

type brandingFields Branding

func (b Branding) MarshalJSON() ([]byte, error) {
	return jsonfield.Marshal(brandingFields(b), b.Extra)
}

func (b *Branding) UnmarshalJSON(data []byte) error {
	return jsonfield.Unmarshal(data, (*brandingFields)(b), &b.Extra)
}

type NotificationSettings struct {
	EmailNotifications   bool           `json:"email_notifications"`
	SmsNotifications     bool           `json:"sms_notifications"`
	WebhookNotifications bool           `json:"webhook_notifications"`
	WebhookURL           string         `json:"webhook_url,omitempty"`
	NotificationEmails   []string       `json:"notification_emails,omitempty"`
	EventSubscriptions   []string       `json:"event_subscriptions,omitempty"`
	Extra                map[string]any `json:"-"`
}

type notificationFields NotificationSettings

func (n NotificationSettings) MarshalJSON() ([]byte, error) {
	return jsonfield.Marshal(notificationFields(n), n.Extra)
}

func (n *NotificationSettings) UnmarshalJSON(b []byte) error {
	return jsonfield.Unmarshal(b, (*notificationFields)(n), &n.Extra)
}

func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{EmailNotifications: true}
}

// Subscribed reports whether event should be delivered. An empty subscription
// list means every event.
func (n NotificationSettings) Subscribed(event string) bool {
	if len(n.EventSubscriptions) == 0 {
		return true
	}
	for _, e := range n.EventSubscriptions {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

type Tenant struct {
	ID               string                                   `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt        time.Time                                `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time                                `gorm:"column:updated_at" json:"updated_at"`
	Name             string                                   `gorm:"column:name;not null" json:"name"`
	Slug             string                                   `gorm:"column:slug;uniqueIndex" json:"slug"`
	Description      string                                   `gorm:"column:description" json:"description,omitempty"`
	ContactEmail     string                                   `gorm:"column:contact_email" json:"contact_email,omitempty"`
	Website          string                                   `gorm:"column:website" json:"website,omitempty"`
	LogoURL          string                                   `gorm:"column:logo_url" json:"logo_url,omitempty"`
	Plan             Plan                                     `gorm:"column:plan" json:"plan"`
	MaxLicenses      int64                                    `gorm:"column:max_licenses" json:"max_licenses"`
	MaxUsers         int64                                    `gorm:"column:max_users" json:"max_users"`
	MaxSoftwares     int64                                    `gorm:"column:max_softwares" json:"max_softwares"`
	MaxLicenseTypes  int64                                    `gorm:"column:max_license_types" json:"max_license_types"`
	Active           bool                                     `gorm:"column:active" json:"active"`
	StripeCustomerID string                                   `gorm:"column:stripe_customer_id" json:"stripe_customer_id,omitempty"`
	PaypalEmail      string                                   `gorm:"column:paypal_email" json:"paypal_email,omitempty"`
	Settings         datatypes.JSONType[Settings]             `gorm:"column:settings" json:"settings"`
	Branding         datatypes.JSONType[Branding]             `gorm:"column:branding" json:"branding"`
	Notifications    datatypes.JSONType[NotificationSettings] `gorm:"column:notification_settings" json:"notification_settings"`
	ExpiresAt        *time.Time                               `gorm:"column:expires_at" json:"expires_at,omitempty"`
}

// ApplyLimits copies the caps of the tenant's plan.
func (m *Tenant) ApplyLimits(l config.PlanLimits) {
	m.MaxLicenses = l.MaxLicenses
	m.MaxUsers = l.MaxUsers
	m.MaxSoftwares = l.MaxSoftwares
	m.MaxLicenseTypes = l.MaxLicenseTypes
}

// Usable reports whether the tenant may create new resources at now.
func (m *Tenant) Usable(now time.Time) bool {
	if !m.Active {
		return false
	}
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// Usage is the current resource consumption of a tenant.
type Usage struct {
	Licenses     int64 `json:"licenses"`
	Users        int64 `json:"users"`
	Softwares    int64 `json:"softwares"`
	LicenseTypes int64 `json:"license_types"`
}

// Exceeds lists the caps usage is above.
func (u Usage) Exceeds(l config.PlanLimits) []string {
	var over []string
	if u.Licenses > l.MaxLicenses {
		over = append(over, "max_licenses")
	}
	if u.Users > l.MaxUsers {
		over = append(over, "max_users")
	}
	if u.Softwares > l.MaxSoftwares {
		over = append(over, "max_softwares")
	}
	if u.LicenseTypes > l.MaxLicenseTypes {
		over = append(over, "max_license_types")
	}
	return over
}

// Limits returns the caps currently stored on the tenant.
func (m *Tenant) Limits() config.PlanLimits {
	return config.PlanLimits{
		MaxLicenses:     m.MaxLicenses,
		MaxUsers:        m.MaxUsers,
		MaxSoftwares:    m.MaxSoftwares,
		MaxLicenseTypes: m.MaxLicenseTypes,
	}
}
