package payment

import (
	"time"

	"safekey-licensing/pkg/jsonfield"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

var (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
	StatusExpired   Status = "expired"
)

func (s Status) String() string {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded, StatusExpired:
		return string(s)
	default:
		return ""
	}
}

const DefaultCurrency = "USD"

type Customer struct {
	Name         string         `json:"name,omitempty"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Company      string         `json:"company,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

type BillingAddress struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type Item struct {
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Description string          `json:"description,omitempty"`
}

// TransactionData is the provider receipt attached when a payment completes.
type TransactionData struct {
	Method               string          `json:"method,omitempty"`
	Provider             string          `json:"provider,omitempty"`
	Customer             *Customer       `json:"customer,omitempty"`
	BillingAddress       *BillingAddress `json:"billing_address,omitempty"`
	Items                []Item          `json:"items,omitempty"`
	ProviderSpecificData map[string]any  `json:"provider_specific_data,omitempty"`
	Extra                map[string]any  `json:"-"`
}

type transactionFields TransactionData

func (t TransactionData) MarshalJSON() ([]byte, error) {
	return jsonfield.Marshal(transactionFields(t), t.Extra)
}

func (t *TransactionData) UnmarshalJSON(b []byte) error {
	return jsonfield.Unmarshal(b, (*transactionFields)(t), &t.Extra)
}

type Payment struct {
	ID                string                              `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt         time.Time                           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time                           `gorm:"column:updated_at" json:"updated_at"`
	TenantID          string                              `gorm:"column:tenant_id;index;uniqueIndex:idx_payment_tenant_code,priority:1" json:"tenant_id"`
	Code              string                              `gorm:"column:code;uniqueIndex:idx_payment_tenant_code,priority:2" json:"code"`
	UserID            string                              `gorm:"column:user_id;index" json:"user_id"`
	Amount            decimal.Decimal                     `gorm:"column:amount;type:decimal(10,2)" json:"amount"`
	Currency          string                              `gorm:"column:currency;size:3" json:"currency"`
	Concept           string                              `gorm:"column:concept" json:"concept,omitempty"`
	Method            string                              `gorm:"column:method" json:"method,omitempty"`
	ExternalReference string                              `gorm:"column:external_reference;index" json:"external_reference,omitempty"`
	Status            Status                              `gorm:"column:status;index" json:"status"`
	PaidAt            *time.Time                          `gorm:"column:paid_at" json:"paid_at,omitempty"`
	ExpiresAt         *time.Time                          `gorm:"column:expires_at" json:"expires_at,omitempty"`
	TransactionData   datatypes.JSONType[TransactionData] `gorm:"column:transaction_data" json:"transaction_data"`
	Metadata          datatypes.JSONMap                   `gorm:"column:metadata" json:"metadata,omitempty"`
	Error             string                              `gorm:"column:error" json:"error,omitempty"`
	RequestID         string                              `gorm:"column:request_id;index" json:"request_id,omitempty"`
	LicenseID         string                              `gorm:"column:license_id;index" json:"license_id,omitempty"`
	ConsumedAt        *time.Time                          `gorm:"column:consumed_at" json:"consumed_at,omitempty"`
	Version           int64                               `gorm:"column:version" json:"version"`
}

// Consumed reports whether the payment already paid for a request or renewal.
func (m *Payment) Consumed() bool {
	return m.ConsumedAt != nil
}
