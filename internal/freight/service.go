package freight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/go2irl/freightdesk/internal/mail"
)

// EmailJobPublisher hands a stored email to the processing pipeline.
// Implemented by the rabbitmq publisher; nil disables publishing.
type EmailJobPublisher interface {
	PublishEmail(ctx context.Context, emailID uint64) error
}

// SendReceipt records a completed outbound send so a retried send_email call
// does not deliver the same message twice.
type SendReceipt struct {
	ResendID string `json:"resend_id"`
	EmailID  uint64 `json:"email_id"`
}

// ReceiptStore is the optional receipt cache (redis in production).
type ReceiptStore interface {
	Get(ctx context.Context, key string) (SendReceipt, bool, error)
	Put(ctx context.Context, key string, rec SendReceipt) error
}

// Service implements the lifecycle operations exposed at the tool boundary.
// Each operation validates its input, then performs one transactional unit of
// work through the repo.
type Service struct {
	repo     *Repo
	mailer   mail.Mailer
	jobs     EmailJobPublisher
	receipts ReceiptStore
}

// NewService wires the operations to their collaborators. mailer, jobs and
// receipts may be nil; the corresponding side effects are skipped.
func NewService(repo *Repo, mailer mail.Mailer, jobs EmailJobPublisher, receipts ReceiptStore) *Service {
	return &Service{repo: repo, mailer: mailer, jobs: jobs, receipts: receipts}
}

func asNotFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFoundf(format, args...)
	}
	return err
}

// --- create_shipment ---

type CreateShipmentInput struct {
	CustomerEmail   string `json:"customer_email"`
	CustomerName    string `json:"customer_name"`
	PickupAddress   string `json:"pickup_address"`
	DeliveryAddress string `json:"delivery_address"`

	PickupDate   *string `json:"pickup_date"`
	DeliveryDate *string `json:"delivery_date"`

	CargoType             *string  `json:"cargo_type"`
	LoadType              *string  `json:"load_type"`
	WeightKg              *float64 `json:"weight_kg"`
	VolumeCbm             *float64 `json:"volume_cbm"`
	LoadingRequirements   *string  `json:"loading_requirements"`
	UnloadingRequirements *string  `json:"unloading_requirements"`
	SpecialNotes          *string  `json:"special_notes"`
	CargoDetails          JSONMap  `json:"cargo_details"`

	Priority    *string `json:"priority"`
	WilsonAgent *string `json:"wilson_agent"`
}

type CreateShipmentOutput struct {
	ShipmentID string `json:"shipment_id"`
	CreatedAt  string `json:"created_at"`
}

func (s *Service) CreateShipment(ctx context.Context, in CreateShipmentInput) (*CreateShipmentOutput, error) {
	if !IsValidEmail(in.CustomerEmail) {
		return nil, Validationf("invalid customer email address")
	}
	if !IsNonEmpty(in.CustomerName) {
		return nil, Validationf("customer name is required")
	}
	if !IsNonEmpty(in.PickupAddress) {
		return nil, Validationf("pickup address is required")
	}
	if !IsNonEmpty(in.DeliveryAddress) {
		return nil, Validationf("delivery address is required")
	}
	if in.Priority != nil && !IsValidPriority(*in.Priority) {
		return nil, Validationf("invalid priority (must be urgent, standard or economy)")
	}

	pickupDate, err := optionalDate(in.PickupDate, "pickup date")
	if err != nil {
		return nil, err
	}
	deliveryDate, err := optionalDate(in.DeliveryDate, "delivery date")
	if err != nil {
		return nil, err
	}

	var cargoDetails JSONMap
	if IsNonEmptyMap(in.CargoDetails) {
		cargoDetails = in.CargoDetails
	}

	var priority *ShipmentPriority
	if in.Priority != nil {
		p := ShipmentPriority(*in.Priority)
		priority = &p
	}

	shipment := &Shipment{
		CustomerEmail:         in.CustomerEmail,
		CustomerName:          Sanitize(in.CustomerName),
		Status:                StatusPending,
		PickupAddress:         Sanitize(in.PickupAddress),
		PickupDate:            pickupDate,
		DeliveryAddress:       Sanitize(in.DeliveryAddress),
		DeliveryDate:          deliveryDate,
		CargoType:             in.CargoType,
		LoadType:              in.LoadType,
		WeightKg:              in.WeightKg,
		VolumeCbm:             in.VolumeCbm,
		LoadingRequirements:   in.LoadingRequirements,
		UnloadingRequirements: in.UnloadingRequirements,
		SpecialNotes:          in.SpecialNotes,
		CargoDetails:          cargoDetails,
		Priority:              priority,
		WilsonAgent:           in.WilsonAgent,
	}

	// Allocation and insert share one transaction so the read-max-then-insert
	// window closes under concurrent creates.
	err = s.repo.Transact(ctx, func(tx *Repo) error {
		shipment.ID = AllocateShipmentID(ctx, tx, time.Now())
		return tx.InsertShipment(ctx, shipment)
	})
	if err != nil {
		return nil, err
	}

	return &CreateShipmentOutput{
		ShipmentID: shipment.ID,
		CreatedAt:  shipment.CreatedAt.Format(time.RFC3339),
	}, nil
}

func optionalDate(s *string, label string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, ok := ParseDate(*s)
	if !ok {
		return nil, Validationf("invalid %s format (use ISO 8601)", label)
	}
	return &t, nil
}

// --- get_shipment ---

type GetShipmentOutput struct {
	Shipment     *Shipment     `json:"shipment"`
	Quotes       []Quote       `json:"quotes"`
	Emails       []Email       `json:"emails"`
	ChatMessages []ChatMessage `json:"chat_messages"`
}

func (s *Service) GetShipment(ctx context.Context, shipmentID string) (*GetShipmentOutput, error) {
	if !IsValidShipmentID(shipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}

	shipment, err := s.repo.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, asNotFound(err, "shipment %s not found", shipmentID)
	}

	quotes, err := s.repo.QuotesByShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	emails, err := s.repo.EmailsByShipment(ctx, shipmentID, nil)
	if err != nil {
		return nil, err
	}
	chat, err := s.repo.ChatHistory(ctx, shipmentID, 0)
	if err != nil {
		return nil, err
	}

	return &GetShipmentOutput{
		Shipment:     shipment,
		Quotes:       quotes,
		Emails:       emails,
		ChatMessages: chat,
	}, nil
}

// --- update_shipment ---

type UpdateShipmentInput struct {
	ShipmentID string `json:"shipment_id"`

	Status          *string  `json:"status"`
	SelectedCarrier *string  `json:"selected_carrier"`
	TotalCost       *float64 `json:"total_cost"`
	PickupDate      *string  `json:"pickup_date"`
	DeliveryDate    *string  `json:"delivery_date"`

	CargoType             *string  `json:"cargo_type"`
	LoadType              *string  `json:"load_type"`
	WeightKg              *float64 `json:"weight_kg"`
	VolumeCbm             *float64 `json:"volume_cbm"`
	LoadingRequirements   *string  `json:"loading_requirements"`
	UnloadingRequirements *string  `json:"unloading_requirements"`
	SpecialNotes          *string  `json:"special_notes"`

	Priority    *string `json:"priority"`
	WilsonAgent *string `json:"wilson_agent"`
}

type UpdateShipmentOutput struct {
	Success         bool      `json:"success"`
	UpdatedShipment *Shipment `json:"updated_shipment"`
}

// UpdateShipment applies a partial column update of only the supplied fields.
// Status writes here are free-form: any status may be set to any other.
func (s *Service) UpdateShipment(ctx context.Context, in UpdateShipmentInput) (*UpdateShipmentOutput, error) {
	if !IsValidShipmentID(in.ShipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}
	if in.Status != nil && !IsValidShipmentStatus(*in.Status) {
		return nil, Validationf("invalid shipment status")
	}
	if in.TotalCost != nil && !IsPositive(*in.TotalCost) {
		return nil, Validationf("total cost must be a positive number")
	}
	if in.Priority != nil && !IsValidPriority(*in.Priority) {
		return nil, Validationf("invalid priority (must be urgent, standard or economy)")
	}

	pickupDate, err := optionalDate(in.PickupDate, "pickup date")
	if err != nil {
		return nil, err
	}
	deliveryDate, err := optionalDate(in.DeliveryDate, "delivery date")
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if in.Status != nil {
		fields["status"] = *in.Status
	}
	if in.SelectedCarrier != nil {
		fields["selected_carrier"] = *in.SelectedCarrier
	}
	if in.TotalCost != nil {
		fields["total_cost"] = *in.TotalCost
	}
	if pickupDate != nil {
		fields["pickup_date"] = *pickupDate
	}
	if deliveryDate != nil {
		fields["delivery_date"] = *deliveryDate
	}
	if in.CargoType != nil {
		fields["cargo_type"] = *in.CargoType
	}
	if in.LoadType != nil {
		fields["load_type"] = *in.LoadType
	}
	if in.WeightKg != nil {
		fields["weight_kg"] = *in.WeightKg
	}
	if in.VolumeCbm != nil {
		fields["volume_cbm"] = *in.VolumeCbm
	}
	if in.LoadingRequirements != nil {
		fields["loading_requirements"] = *in.LoadingRequirements
	}
	if in.UnloadingRequirements != nil {
		fields["unloading_requirements"] = *in.UnloadingRequirements
	}
	if in.SpecialNotes != nil {
		fields["special_notes"] = *in.SpecialNotes
	}
	if in.Priority != nil {
		fields["priority"] = *in.Priority
	}
	if in.WilsonAgent != nil {
		fields["wilson_agent"] = *in.WilsonAgent
	}

	var updated *Shipment
	err = s.repo.Transact(ctx, func(tx *Repo) error {
		if _, err := tx.GetShipment(ctx, in.ShipmentID); err != nil {
			return asNotFound(err, "shipment %s not found", in.ShipmentID)
		}
		if err := tx.UpdateShipmentFields(ctx, in.ShipmentID, fields); err != nil {
			return err
		}
		var err error
		updated, err = tx.GetShipment(ctx, in.ShipmentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &UpdateShipmentOutput{Success: true, UpdatedShipment: updated}, nil
}

// --- list_shipments ---

type ListShipmentsInput struct {
	Status        *string `json:"status"`
	CustomerEmail *string `json:"customer_email"`
	Limit         int     `json:"limit"`
	Offset        int     `json:"offset"`
}

type ListShipmentsOutput struct {
	Shipments []Shipment `json:"shipments"`
	Total     int64      `json:"total"`
}

func (s *Service) ListShipments(ctx context.Context, in ListShipmentsInput) (*ListShipmentsOutput, error) {
	if in.Status != nil && !IsValidShipmentStatus(*in.Status) {
		return nil, Validationf("invalid shipment status")
	}
	if in.CustomerEmail != nil && !IsValidEmail(*in.CustomerEmail) {
		return nil, Validationf("invalid customer email format")
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := in.Offset
	if offset < 0 {
		offset = 0
	}

	shipments, err := s.repo.ListShipments(ctx, in.Status, in.CustomerEmail, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountShipments(ctx, in.Status, in.CustomerEmail)
	if err != nil {
		return nil, err
	}

	return &ListShipmentsOutput{Shipments: shipments, Total: total}, nil
}

// --- add_quote ---

type AddQuoteInput struct {
	ShipmentID      string   `json:"shipment_id"`
	CarrierName     string   `json:"carrier_name"`
	CarrierEmail    string   `json:"carrier_email"`
	TotalCost       float64  `json:"total_cost"`
	BaseRate        float64  `json:"base_rate"`
	FuelSurcharge   float64  `json:"fuel_surcharge"`
	PriceBreakdown  JSONMap  `json:"price_breakdown"`
	TransitDays     int      `json:"transit_days"`
	OtifScore       *float64 `json:"otif_score"`
	ServiceType     string   `json:"service_type"`
	Notes           *string  `json:"notes"`
	QuoteValidUntil *string  `json:"quote_valid_until"`
}

type AddQuoteOutput struct {
	QuoteID   string `json:"quote_id"`
	CreatedAt string `json:"created_at"`
}

// AddQuote inserts an unselected, unrecommended quote and flips the shipment
// from pending to quoted if that is where it still is.
func (s *Service) AddQuote(ctx context.Context, in AddQuoteInput) (*AddQuoteOutput, error) {
	if !IsValidShipmentID(in.ShipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}
	if !IsNonEmpty(in.CarrierName) {
		return nil, Validationf("carrier name is required")
	}
	if !IsValidEmail(in.CarrierEmail) {
		return nil, Validationf("invalid carrier email address")
	}
	if !IsPositive(in.TotalCost) {
		return nil, Validationf("total cost must be a positive number")
	}
	if !IsPositive(in.BaseRate) {
		return nil, Validationf("base rate must be a positive number")
	}
	if !IsPositive(in.FuelSurcharge) {
		return nil, Validationf("fuel surcharge must be a positive number")
	}
	if in.TransitDays <= 0 {
		return nil, Validationf("transit days must be a positive integer")
	}
	if !IsValidServiceType(in.ServiceType) {
		return nil, Validationf("invalid service type (must be LTL, FTL, or Expedited)")
	}
	if in.OtifScore != nil && !IsValidOTIFScore(*in.OtifScore) {
		return nil, Validationf("OTIF score must be between 0 and 100")
	}

	validUntil, err := optionalDate(in.QuoteValidUntil, "quote_valid_until date")
	if err != nil {
		return nil, err
	}

	var breakdown JSONMap
	if IsNonEmptyMap(in.PriceBreakdown) {
		breakdown = in.PriceBreakdown
	}

	quote := &Quote{
		ShipmentID:      in.ShipmentID,
		CarrierName:     Sanitize(in.CarrierName),
		CarrierEmail:    in.CarrierEmail,
		TotalCost:       in.TotalCost,
		BaseRate:        in.BaseRate,
		FuelSurcharge:   in.FuelSurcharge,
		PriceBreakdown:  breakdown,
		TransitDays:     in.TransitDays,
		OtifScore:       in.OtifScore,
		ServiceType:     ServiceType(in.ServiceType),
		IsSelected:      false,
		IsRecommended:   false,
		QuoteValidUntil: validUntil,
		Notes:           in.Notes,
	}

	err = s.repo.Transact(ctx, func(tx *Repo) error {
		exists, err := tx.ShipmentExists(ctx, in.ShipmentID)
		if err != nil {
			return err
		}
		if !exists {
			return NotFoundf("shipment %s not found", in.ShipmentID)
		}

		quote.ID = NewQuoteID(in.CarrierName)
		if err := tx.InsertQuote(ctx, quote); err != nil {
			return err
		}
		return tx.MarkShipmentQuoted(ctx, in.ShipmentID)
	})
	if err != nil {
		return nil, err
	}

	return &AddQuoteOutput{
		QuoteID:   quote.ID,
		CreatedAt: quote.CreatedAt.Format(time.RFC3339),
	}, nil
}

// --- get_quotes ---

func (s *Service) GetQuotes(ctx context.Context, shipmentID string) ([]Quote, error) {
	if !IsValidShipmentID(shipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}
	return s.repo.QuotesByShipment(ctx, shipmentID)
}

// --- select_quote ---

type SelectQuoteInput struct {
	QuoteID    string `json:"quote_id"`
	ShipmentID string `json:"shipment_id"`
}

type SelectQuoteOutput struct {
	Success       bool   `json:"success"`
	SelectedQuote *Quote `json:"selected_quote"`
}

// SelectQuote makes the chosen quote the shipment's single selected quote and
// books the shipment against its carrier and cost. The verify / clear / set /
// book sequence runs in one transaction, so concurrent selections on the same
// shipment serialize and exactly one quote ends up selected.
func (s *Service) SelectQuote(ctx context.Context, in SelectQuoteInput) (*SelectQuoteOutput, error) {
	if !IsValidQuoteID(in.QuoteID) {
		return nil, Validationf("invalid quote ID format")
	}
	if !IsValidShipmentID(in.ShipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}

	var selected *Quote
	err := s.repo.Transact(ctx, func(tx *Repo) error {
		quote, err := tx.QuoteForShipment(ctx, in.QuoteID, in.ShipmentID)
		if err != nil {
			return asNotFound(err, "quote %s not found for shipment %s", in.QuoteID, in.ShipmentID)
		}

		if err := tx.DeselectQuotes(ctx, in.ShipmentID); err != nil {
			return err
		}
		if err := tx.MarkQuoteSelected(ctx, in.QuoteID); err != nil {
			return err
		}
		if err := tx.BookShipment(ctx, in.ShipmentID, quote.CarrierName, quote.TotalCost); err != nil {
			return err
		}

		selected, err = tx.GetQuote(ctx, in.QuoteID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &SelectQuoteOutput{Success: true, SelectedQuote: selected}, nil
}

// --- add_email ---

type AddEmailInput struct {
	ShipmentID string  `json:"shipment_id"`
	ThreadID   *string `json:"thread_id"`
	Type       string  `json:"type"`
	FromEmail  string  `json:"from_email"`
	FromName   *string `json:"from_name"`
	ToEmail    string  `json:"to_email"`
	ToName     *string `json:"to_name"`
	Subject    string  `json:"subject"`
	Body       string  `json:"body"`
	Direction  *string `json:"direction"`
	Badge      *string `json:"badge"`
	ParsedData JSONMap `json:"parsed_data"`
}

type AddEmailOutput struct {
	EmailID   uint64 `json:"email_id"`
	CreatedAt string `json:"created_at"`
}

func (s *Service) AddEmail(ctx context.Context, in AddEmailInput) (*AddEmailOutput, error) {
	if !IsValidShipmentID(in.ShipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}
	if !IsValidEmailType(in.Type) {
		return nil, Validationf("invalid email type")
	}
	if !IsValidEmail(in.FromEmail) {
		return nil, Validationf("invalid from_email address")
	}
	if !IsValidEmail(in.ToEmail) {
		return nil, Validationf("invalid to_email address")
	}
	if !IsNonEmpty(in.Subject) {
		return nil, Validationf("subject is required")
	}
	if !IsNonEmpty(in.Body) {
		return nil, Validationf("email body is required")
	}
	if in.Direction != nil && !IsValidEmailDirection(*in.Direction) {
		return nil, Validationf("invalid email direction")
	}
	if in.Badge != nil && !IsValidEmailBadge(*in.Badge) {
		return nil, Validationf("invalid email badge")
	}

	var direction *EmailDirection
	if in.Direction != nil {
		d := EmailDirection(*in.Direction)
		direction = &d
	}
	var badge *EmailBadge
	if in.Badge != nil {
		b := EmailBadge(*in.Badge)
		badge = &b
	}
	var parsed JSONMap
	if IsNonEmptyMap(in.ParsedData) {
		parsed = in.ParsedData
	}

	email := &Email{
		ShipmentID: in.ShipmentID,
		ThreadID:   in.ThreadID,
		Type:       EmailType(in.Type),
		FromEmail:  in.FromEmail,
		FromName:   in.FromName,
		ToEmail:    in.ToEmail,
		ToName:     in.ToName,
		Subject:    Sanitize(in.Subject),
		Body:       in.Body,
		Preview:    previewOf(in.Body),
		Direction:  direction,
		Badge:      badge,
		ParsedData: parsed,
		Processed:  false,
	}

	err := s.repo.Transact(ctx, func(tx *Repo) error {
		exists, err := tx.ShipmentExists(ctx, in.ShipmentID)
		if err != nil {
			return err
		}
		if !exists {
			return NotFoundf("shipment %s not found", in.ShipmentID)
		}
		return tx.InsertEmail(ctx, email)
	})
	if err != nil {
		return nil, err
	}

	// Queue the email for the processing agent; a dead broker must never fail
	// the record itself.
	if s.jobs != nil {
		if err := s.jobs.PublishEmail(ctx, email.ID); err != nil {
			log.Printf("publish email job failed: email_id=%d err=%v", email.ID, err)
		}
	}

	return &AddEmailOutput{
		EmailID:   email.ID,
		CreatedAt: email.CreatedAt.Format(time.RFC3339),
	}, nil
}

// previewOf returns the first 100 characters of body.
func previewOf(body string) string {
	r := []rune(body)
	if len(r) > 100 {
		r = r[:100]
	}
	return string(r)
}

// --- get_emails ---

type GetEmailsInput struct {
	ShipmentID string  `json:"shipment_id"`
	Type       *string `json:"type"`
}

func (s *Service) GetEmails(ctx context.Context, in GetEmailsInput) ([]Email, error) {
	if !IsValidShipmentID(in.ShipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}
	if in.Type != nil && !IsValidEmailType(*in.Type) {
		return nil, Validationf("invalid email type")
	}
	return s.repo.EmailsByShipment(ctx, in.ShipmentID, in.Type)
}

// --- get_unprocessed_emails ---

func (s *Service) GetUnprocessedEmails(ctx context.Context, limit int) ([]Email, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.UnprocessedEmails(ctx, limit)
}

// --- mark_email_processed ---

func (s *Service) MarkEmailProcessed(ctx context.Context, emailID uint64) error {
	if emailID == 0 {
		return Validationf("invalid email_id (must be a positive integer)")
	}

	exists, err := s.repo.EmailExists(ctx, emailID)
	if err != nil {
		return err
	}
	if !exists {
		return NotFoundf("email %d not found", emailID)
	}
	return s.repo.MarkEmailProcessed(ctx, emailID)
}

// --- find_open_shipment_by_customer ---

type FindOpenShipmentOutput struct {
	ShipmentID *string `json:"shipment_id"`
}

// FindOpenShipmentByCustomer resolves a customer reply that carries no case
// reference: the most recent shipment still pending or quoted, if any.
func (s *Service) FindOpenShipmentByCustomer(ctx context.Context, customerEmail string) (*FindOpenShipmentOutput, error) {
	if !IsValidEmail(customerEmail) {
		return nil, Validationf("invalid customer email address")
	}

	id, err := s.repo.FindOpenShipment(ctx, customerEmail)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return &FindOpenShipmentOutput{ShipmentID: nil}, nil
	}
	return &FindOpenShipmentOutput{ShipmentID: &id}, nil
}

// --- send_email ---

type SendEmailInput struct {
	ShipmentID string `json:"shipment_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Type       string `json:"type"`
}

type SendEmailOutput struct {
	Success  bool    `json:"success"`
	EmailID  *uint64 `json:"email_id,omitempty"`
	ResendID *string `json:"resend_id,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// SendEmail delivers via the mail provider and then records the message
// through AddEmail. The asymmetric failure shape is deliberate: when the
// provider send succeeded but recording failed, the result reports
// success=false with the provider ID set, so the caller knows the message
// actually went out.
func (s *Service) SendEmail(ctx context.Context, in SendEmailInput) SendEmailOutput {
	if s.mailer == nil {
		return SendEmailOutput{Success: false, Error: "outbound mail is not configured (set RESEND_API_KEY)"}
	}

	if !mail.IsApprovedSender(in.From) {
		return SendEmailOutput{
			Success: false,
			Error:   fmt.Sprintf("invalid sender: must be an approved %s address (received: %s)", mail.SenderDomain, in.From),
		}
	}
	if !IsValidEmail(in.From) {
		return SendEmailOutput{Success: false, Error: fmt.Sprintf("invalid sender email format: %s", in.From)}
	}
	if !IsValidEmail(in.To) {
		return SendEmailOutput{Success: false, Error: fmt.Sprintf("invalid recipient email format: %s", in.To)}
	}

	exists, err := s.repo.ShipmentExists(ctx, in.ShipmentID)
	if err != nil {
		return SendEmailOutput{Success: false, Error: fmt.Sprintf("failed to verify shipment: %v", err)}
	}
	if !exists {
		return SendEmailOutput{Success: false, Error: fmt.Sprintf("shipment %s not found", in.ShipmentID)}
	}

	// A retried call with identical content returns the recorded receipt
	// instead of sending twice.
	key := sendKey(in)
	if s.receipts != nil {
		if rec, found, err := s.receipts.Get(ctx, key); err != nil {
			log.Printf("send receipt lookup failed: %v", err)
		} else if found {
			return SendEmailOutput{Success: true, EmailID: &rec.EmailID, ResendID: &rec.ResendID}
		}
	}

	resendID, err := s.mailer.Send(ctx, in.From, in.To, in.Subject, in.Body)
	if err != nil {
		return SendEmailOutput{Success: false, Error: fmt.Sprintf("failed to send email: %v", err)}
	}

	recorded, err := s.AddEmail(ctx, AddEmailInput{
		ShipmentID: in.ShipmentID,
		Type:       in.Type,
		FromEmail:  in.From,
		ToEmail:    in.To,
		Subject:    in.Subject,
		Body:       in.Body,
	})
	if err != nil {
		return SendEmailOutput{
			Success:  false,
			ResendID: &resendID,
			Error:    fmt.Sprintf("email sent (resend id %s) but failed to record it: %v", resendID, err),
		}
	}

	if s.receipts != nil {
		rec := SendReceipt{ResendID: resendID, EmailID: recorded.EmailID}
		if err := s.receipts.Put(ctx, key, rec); err != nil {
			log.Printf("send receipt store failed: %v", err)
		}
	}

	return SendEmailOutput{Success: true, EmailID: &recorded.EmailID, ResendID: &resendID}
}

func sendKey(in SendEmailInput) string {
	h := sha256.New()
	for _, part := range []string{in.ShipmentID, in.From, in.To, in.Subject} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// --- add_chat_message ---

type AddChatMessageInput struct {
	ShipmentID string  `json:"shipment_id"`
	Role       string  `json:"role"`
	Message    string  `json:"message"`
	Metadata   JSONMap `json:"metadata"`
}

type AddChatMessageOutput struct {
	MessageID uint64 `json:"message_id"`
	CreatedAt string `json:"created_at"`
}

func (s *Service) AddChatMessage(ctx context.Context, in AddChatMessageInput) (*AddChatMessageOutput, error) {
	if !IsValidShipmentID(in.ShipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}
	if !IsValidChatRole(in.Role) {
		return nil, Validationf("invalid chat role (must be user, assistant, or system)")
	}
	if !IsNonEmpty(in.Message) {
		return nil, Validationf("message is required")
	}

	var metadata JSONMap
	if IsNonEmptyMap(in.Metadata) {
		metadata = in.Metadata
	}

	msg := &ChatMessage{
		ShipmentID: in.ShipmentID,
		Role:       ChatRole(in.Role),
		Message:    in.Message,
		Metadata:   metadata,
	}

	err := s.repo.Transact(ctx, func(tx *Repo) error {
		exists, err := tx.ShipmentExists(ctx, in.ShipmentID)
		if err != nil {
			return err
		}
		if !exists {
			return NotFoundf("shipment %s not found", in.ShipmentID)
		}
		return tx.InsertChatMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	return &AddChatMessageOutput{
		MessageID: msg.ID,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339),
	}, nil
}

// --- get_chat_history ---

func (s *Service) GetChatHistory(ctx context.Context, shipmentID string, limit int) ([]ChatMessage, error) {
	if !IsValidShipmentID(shipmentID) {
		return nil, Validationf("invalid shipment ID format")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ChatHistory(ctx, shipmentID, limit)
}
