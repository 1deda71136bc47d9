package freight

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ShipmentStatus string

const (
	StatusPending   ShipmentStatus = "pending"
	StatusQuoted    ShipmentStatus = "quoted"
	StatusBooked    ShipmentStatus = "booked"
	StatusInTransit ShipmentStatus = "in_transit"
	StatusDelivered ShipmentStatus = "delivered"
	StatusCancelled ShipmentStatus = "cancelled"
)

type EmailType string

const (
	EmailCustomerRequest     EmailType = "customer_request"
	EmailRFQ                 EmailType = "wilson_rfq"
	EmailCarrierQuote        EmailType = "carrier_quote"
	EmailAnalysis            EmailType = "wilson_analysis"
	EmailBookingConfirmation EmailType = "booking_confirmation"
	EmailTrackingUpdate      EmailType = "tracking_update"
	EmailNotification        EmailType = "wilson_notification"
)

type EmailDirection string

const (
	DirectionInbound  EmailDirection = "inbound"
	DirectionOutbound EmailDirection = "outbound"
)

type EmailBadge string

const (
	BadgeNew       EmailBadge = "NEW"
	BadgeQuote     EmailBadge = "QUOTE"
	BadgeRecommend EmailBadge = "RECOMMEND"
	BadgeBooked    EmailBadge = "BOOKED"
	BadgeUrgent    EmailBadge = "URGENT"
)

type ShipmentPriority string

const (
	PriorityUrgent   ShipmentPriority = "urgent"
	PriorityStandard ShipmentPriority = "standard"
	PriorityEconomy  ShipmentPriority = "economy"
)

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

type ServiceType string

const (
	ServiceLTL       ServiceType = "LTL"
	ServiceFTL       ServiceType = "FTL"
	ServiceExpedited ServiceType = "Expedited"
)

// JSONMap stores an open-ended JSON object in a single column.
// Works on both MySQL (json) and the sqlite test driver (stored as text).
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("jsonmap: unsupported column type %T", value)
	}
}

// Shipment is the aggregate root: quotes, emails and chat messages all hang
// off its ID. IDs look like CART-2025-00042 and are immutable once assigned.
type Shipment struct {
	ID            string         `gorm:"primaryKey;size:15" json:"id"`
	CustomerEmail string         `gorm:"size:255;index;not null" json:"customer_email"`
	CustomerName  string         `gorm:"size:255;not null" json:"customer_name"`
	Status        ShipmentStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	PickupAddress   string     `gorm:"type:text;not null" json:"pickup_address"`
	PickupDate      *time.Time `json:"pickup_date"`
	DeliveryAddress string     `gorm:"type:text;not null" json:"delivery_address"`
	DeliveryDate    *time.Time `json:"delivery_date"`

	CargoType             *string  `gorm:"size:64" json:"cargo_type"`
	LoadType              *string  `gorm:"size:64" json:"load_type"`
	WeightKg              *float64 `json:"weight_kg"`
	VolumeCbm             *float64 `json:"volume_cbm"`
	LoadingRequirements   *string  `gorm:"type:text" json:"loading_requirements"`
	UnloadingRequirements *string  `gorm:"type:text" json:"unloading_requirements"`
	SpecialNotes          *string  `gorm:"type:text" json:"special_notes"`

	// Open-ended bag for cargo fields not promoted to columns.
	CargoDetails JSONMap `gorm:"type:json" json:"cargo_details"`

	Priority    *ShipmentPriority `gorm:"type:varchar(16)" json:"priority"`
	WilsonAgent *string           `gorm:"size:64" json:"wilson_agent"`

	// Populated only after a quote has been selected.
	SelectedCarrier *string  `gorm:"size:255" json:"selected_carrier"`
	TotalCost       *float64 `json:"total_cost"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Shipment) TableName() string { return "shipments" }

// Quote is one carrier's offer against a shipment. Append-only; selection
// flips flags, never deletes rows.
type Quote struct {
	ID         string `gorm:"primaryKey;size:32" json:"id"`
	ShipmentID string `gorm:"size:15;index;not null" json:"shipment_id"`

	CarrierName  string `gorm:"size:255;not null" json:"carrier_name"`
	CarrierEmail string `gorm:"size:255;not null" json:"carrier_email"`

	TotalCost      float64 `gorm:"not null" json:"total_cost"`
	BaseRate       float64 `gorm:"not null" json:"base_rate"`
	FuelSurcharge  float64 `gorm:"not null" json:"fuel_surcharge"`
	PriceBreakdown JSONMap `gorm:"type:json" json:"price_breakdown"`

	TransitDays int         `gorm:"not null" json:"transit_days"`
	OtifScore   *float64    `json:"otif_score"`
	ServiceType ServiceType `gorm:"type:varchar(16);not null" json:"service_type"`

	IsSelected    bool `gorm:"not null;default:false" json:"is_selected"`
	IsRecommended bool `gorm:"not null;default:false" json:"is_recommended"`

	QuoteValidUntil *time.Time `json:"quote_valid_until"`
	Notes           *string    `gorm:"type:text" json:"notes"`

	CreatedAt time.Time `json:"created_at"`
}

func (Quote) TableName() string { return "quotes" }

// Email is a message on a shipment's case. Preview is always the first 100
// characters of Body, computed at write time.
type Email struct {
	ID         uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ShipmentID string  `gorm:"size:15;index;not null" json:"shipment_id"`
	ThreadID   *string `gorm:"size:32;index" json:"thread_id"`

	Type EmailType `gorm:"type:varchar(32);not null" json:"type"`

	FromEmail string  `gorm:"size:255;not null" json:"from_email"`
	FromName  *string `gorm:"size:255" json:"from_name"`
	ToEmail   string  `gorm:"size:255;not null" json:"to_email"`
	ToName    *string `gorm:"size:255" json:"to_name"`

	Subject string `gorm:"type:text;not null" json:"subject"`
	Body    string `gorm:"type:text;not null" json:"body"`
	Preview string `gorm:"size:255;not null" json:"preview"`

	Direction  *EmailDirection `gorm:"type:varchar(16)" json:"direction"`
	Badge      *EmailBadge     `gorm:"type:varchar(16)" json:"badge"`
	ParsedData JSONMap         `gorm:"type:json" json:"parsed_data"`

	Processed bool `gorm:"not null;default:false;index" json:"processed"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Email) TableName() string { return "emails" }

// ChatMessage is one turn of the assistant conversation on a shipment.
type ChatMessage struct {
	ID         uint64   `gorm:"primaryKey;autoIncrement" json:"id"`
	ShipmentID string   `gorm:"size:15;index;not null" json:"shipment_id"`
	Role       ChatRole `gorm:"type:varchar(16);not null" json:"role"`
	Message    string   `gorm:"type:text;not null" json:"message"`
	Metadata   JSONMap  `gorm:"type:json" json:"metadata"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ChatMessage) TableName() string { return "chat_messages" }
