package freight

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repo is the persistence gateway: every statement in the system goes through
// it with bound parameters, never string-concatenated SQL. Store failures come
// back wrapped as KindPersistence with the failing operation named;
// gorm.ErrRecordNotFound passes through unwrapped so callers can branch on it.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transact runs fn against a repo bound to a single transaction. Multi-write
// sequences (quote selection, quote insert + status flip) use this so two
// concurrent calls serialize on the rows they touch instead of interleaving.
func (r *Repo) Transact(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return Persistf(op, err)
}

// --- shipments ---

func (r *Repo) InsertShipment(ctx context.Context, s *Shipment) error {
	return wrap("create shipment", r.db.WithContext(ctx).Create(s).Error)
}

func (r *Repo) GetShipment(ctx context.Context, id string) (*Shipment, error) {
	var s Shipment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, wrap("fetch shipment", err)
	}
	return &s, nil
}

func (r *Repo) ShipmentExists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Shipment{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, wrap("verify shipment", err)
	}
	return n > 0, nil
}

// MaxShipmentIDWithPrefix returns the lexicographically greatest shipment ID
// with the given prefix, or "" when none exists yet.
func (r *Repo) MaxShipmentIDWithPrefix(ctx context.Context, prefix string) (string, error) {
	var s Shipment
	err := r.db.WithContext(ctx).
		Select("id").
		Where("id LIKE ?", prefix+"%").
		Order("id DESC").
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", wrap("allocate shipment id", err)
	}
	return s.ID, nil
}

// UpdateShipmentFields applies a partial column update and bumps updated_at.
func (r *Repo) UpdateShipmentFields(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now()
	return wrap("update shipment", r.db.WithContext(ctx).
		Model(&Shipment{}).
		Where("id = ?", id).
		Updates(fields).Error)
}

func (r *Repo) ListShipments(ctx context.Context, status, customerEmail *string, limit, offset int) ([]Shipment, error) {
	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if customerEmail != nil {
		q = q.Where("customer_email = ?", *customerEmail)
	}

	var out []Shipment
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("list shipments", err)
	}
	return out, nil
}

func (r *Repo) CountShipments(ctx context.Context, status, customerEmail *string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&Shipment{})
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if customerEmail != nil {
		q = q.Where("customer_email = ?", *customerEmail)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, wrap("count shipments", err)
	}
	return n, nil
}

// FindOpenShipment returns the customer's most recent shipment still in
// pending or quoted, or "" when there is none.
func (r *Repo) FindOpenShipment(ctx context.Context, customerEmail string) (string, error) {
	var s Shipment
	err := r.db.WithContext(ctx).
		Select("id").
		Where("customer_email = ? AND status IN ?", customerEmail, []ShipmentStatus{StatusPending, StatusQuoted}).
		Order("created_at DESC").
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", wrap("find open shipment", err)
	}
	return s.ID, nil
}

// MarkShipmentQuoted flips pending -> quoted; a no-op for any other status.
func (r *Repo) MarkShipmentQuoted(ctx context.Context, id string) error {
	return wrap("update shipment status", r.db.WithContext(ctx).
		Model(&Shipment{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": StatusQuoted, "updated_at": time.Now()}).Error)
}

// BookShipment records the winning carrier and cost and sets status booked.
func (r *Repo) BookShipment(ctx context.Context, id, carrier string, totalCost float64) error {
	return wrap("update shipment", r.db.WithContext(ctx).
		Model(&Shipment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           StatusBooked,
			"selected_carrier": carrier,
			"total_cost":       totalCost,
			"updated_at":       time.Now(),
		}).Error)
}

// --- quotes ---

func (r *Repo) InsertQuote(ctx context.Context, q *Quote) error {
	return wrap("add quote", r.db.WithContext(ctx).Create(q).Error)
}

func (r *Repo) QuotesByShipment(ctx context.Context, shipmentID string) ([]Quote, error) {
	var out []Quote
	if err := r.db.WithContext(ctx).
		Where("shipment_id = ?", shipmentID).
		Order("total_cost ASC").
		Find(&out).Error; err != nil {
		return nil, wrap("fetch quotes", err)
	}
	return out, nil
}

func (r *Repo) GetQuote(ctx context.Context, id string) (*Quote, error) {
	var q Quote
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&q).Error; err != nil {
		return nil, wrap("fetch quote", err)
	}
	return &q, nil
}

// QuoteForShipment fetches a quote only if it belongs to the shipment.
func (r *Repo) QuoteForShipment(ctx context.Context, quoteID, shipmentID string) (*Quote, error) {
	var q Quote
	if err := r.db.WithContext(ctx).
		Where("id = ? AND shipment_id = ?", quoteID, shipmentID).
		First(&q).Error; err != nil {
		return nil, wrap("verify quote", err)
	}
	return &q, nil
}

func (r *Repo) DeselectQuotes(ctx context.Context, shipmentID string) error {
	return wrap("deselect quotes", r.db.WithContext(ctx).
		Model(&Quote{}).
		Where("shipment_id = ?", shipmentID).
		Update("is_selected", false).Error)
}

func (r *Repo) MarkQuoteSelected(ctx context.Context, quoteID string) error {
	return wrap("select quote", r.db.WithContext(ctx).
		Model(&Quote{}).
		Where("id = ?", quoteID).
		Update("is_selected", true).Error)
}

// --- emails ---

func (r *Repo) InsertEmail(ctx context.Context, e *Email) error {
	return wrap("add email", r.db.WithContext(ctx).Create(e).Error)
}

func (r *Repo) GetEmail(ctx context.Context, id uint64) (*Email, error) {
	var e Email
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, wrap("fetch email", err)
	}
	return &e, nil
}

func (r *Repo) EmailsByShipment(ctx context.Context, shipmentID string, emailType *string) ([]Email, error) {
	q := r.db.WithContext(ctx).
		Where("shipment_id = ?", shipmentID).
		Order("created_at DESC")
	if emailType != nil {
		q = q.Where("type = ?", *emailType)
	}

	var out []Email
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("fetch emails", err)
	}
	return out, nil
}

// UnprocessedEmails returns the oldest unprocessed emails first, so the
// processing agent drains the backlog in arrival order.
func (r *Repo) UnprocessedEmails(ctx context.Context, limit int) ([]Email, error) {
	var out []Email
	if err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, wrap("fetch unprocessed emails", err)
	}
	return out, nil
}

func (r *Repo) EmailExists(ctx context.Context, id uint64) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Email{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, wrap("verify email", err)
	}
	return n > 0, nil
}

func (r *Repo) MarkEmailProcessed(ctx context.Context, id uint64) error {
	return wrap("mark email as processed", r.db.WithContext(ctx).
		Model(&Email{}).
		Where("id = ?", id).
		Update("processed", true).Error)
}

// --- chat messages ---

func (r *Repo) InsertChatMessage(ctx context.Context, m *ChatMessage) error {
	return wrap("add chat message", r.db.WithContext(ctx).Create(m).Error)
}

// ChatHistory returns messages in chronological order; limit <= 0 means all.
func (r *Repo) ChatHistory(ctx context.Context, shipmentID string, limit int) ([]ChatMessage, error) {
	q := r.db.WithContext(ctx).
		Where("shipment_id = ?", shipmentID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []ChatMessage
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("fetch chat history", err)
	}
	return out, nil
}
