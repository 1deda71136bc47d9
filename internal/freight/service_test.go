package freight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	// A single connection keeps the shared-cache memory DB alive and
	// serializes concurrent transactions.
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&Shipment{}, &Quote{}, &Email{}, &ChatMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

type fakeMailer struct {
	mu    sync.Mutex
	calls int
	id    string
	err   error
}

func (m *fakeMailer) Send(ctx context.Context, from, to, subject, htmlBody string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.id, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	emailIDs []uint64
	err      error
}

func (p *fakePublisher) PublishEmail(ctx context.Context, emailID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.emailIDs = append(p.emailIDs, emailID)
	return nil
}

type memReceipts struct {
	mu   sync.Mutex
	recs map[string]SendReceipt
}

func newMemReceipts() *memReceipts {
	return &memReceipts{recs: make(map[string]SendReceipt)}
}

func (m *memReceipts) Get(ctx context.Context, key string) (SendReceipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	return rec, ok, nil
}

func (m *memReceipts) Put(ctx context.Context, key string, rec SendReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[key] = rec
	return nil
}

func newTestService(t *testing.T) (*Service, *Repo, *fakeMailer, *fakePublisher, *memReceipts) {
	t.Helper()
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	fm := &fakeMailer{id: "re_test_123"}
	fp := &fakePublisher{}
	rc := newMemReceipts()
	return NewService(repo, fm, fp, rc), repo, fm, fp, rc
}

func strp(s string) *string { return &s }

func f64p(v float64) *float64 { return &v }

func mustCreateShipment(t *testing.T, svc *Service) string {
	t.Helper()
	out, err := svc.CreateShipment(context.Background(), CreateShipmentInput{
		CustomerEmail:   "acme@example.com",
		CustomerName:    "ACME Logistics",
		PickupAddress:   "1 Harbour Way, Rotterdam",
		DeliveryAddress: "99 Depot Rd, Hamburg",
	})
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	return out.ShipmentID
}

func validQuoteInput(shipmentID, carrier string, cost float64) AddQuoteInput {
	return AddQuoteInput{
		ShipmentID:    shipmentID,
		CarrierName:   carrier,
		CarrierEmail:  "dispatch@" + strings.ToLower(carrier) + ".com",
		TotalCost:     cost,
		BaseRate:      cost * 0.8,
		FuelSurcharge: cost * 0.2,
		TransitDays:   3,
		ServiceType:   "FTL",
	}
}

func TestCreateShipmentAllocatesSequentialIDs(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	first := mustCreateShipment(t, svc)
	second := mustCreateShipment(t, svc)

	year := fmt.Sprintf("%d", time.Now().Year())
	if !IsValidShipmentID(first) || !strings.HasPrefix(first, "CART-"+year+"-") {
		t.Fatalf("unexpected first ID %q", first)
	}
	if !strings.HasSuffix(first, "-00001") {
		t.Errorf("expected first allocation to be 00001, got %q", first)
	}
	if !strings.HasSuffix(second, "-00002") {
		t.Errorf("expected second allocation to be 00002, got %q", second)
	}

	got, err := svc.GetShipment(ctx, first)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if got.Shipment.Status != StatusPending {
		t.Errorf("new shipment status = %q, want pending", got.Shipment.Status)
	}
}

func TestCreateShipmentValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []CreateShipmentInput{
		{CustomerEmail: "not-an-email", CustomerName: "A", PickupAddress: "x", DeliveryAddress: "y"},
		{CustomerEmail: "a@b.co", CustomerName: "  ", PickupAddress: "x", DeliveryAddress: "y"},
		{CustomerEmail: "a@b.co", CustomerName: "A", PickupAddress: "", DeliveryAddress: "y"},
		{CustomerEmail: "a@b.co", CustomerName: "A", PickupAddress: "x", DeliveryAddress: ""},
		{CustomerEmail: "a@b.co", CustomerName: "A", PickupAddress: "x", DeliveryAddress: "y", Priority: strp("asap")},
		{CustomerEmail: "a@b.co", CustomerName: "A", PickupAddress: "x", DeliveryAddress: "y", PickupDate: strp("next tuesday")},
	}
	for i, in := range cases {
		if _, err := svc.CreateShipment(ctx, in); !IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestGetShipmentAggregatesRelatedRecords(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	if _, err := svc.AddQuote(ctx, validQuoteInput(id, "SwiftShip", 900)); err != nil {
		t.Fatalf("add quote: %v", err)
	}
	if _, err := svc.AddQuote(ctx, validQuoteInput(id, "RealTruck", 450)); err != nil {
		t.Fatalf("add quote: %v", err)
	}
	if _, err := svc.AddEmail(ctx, AddEmailInput{
		ShipmentID: id, Type: "customer_request",
		FromEmail: "acme@example.com", ToEmail: "inbox@go2irl.com",
		Subject: "RFQ", Body: "please quote",
	}); err != nil {
		t.Fatalf("add email: %v", err)
	}
	if _, err := svc.AddChatMessage(ctx, AddChatMessageInput{
		ShipmentID: id, Role: "user", Message: "any update?",
	}); err != nil {
		t.Fatalf("add chat message: %v", err)
	}

	out, err := svc.GetShipment(ctx, id)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if len(out.Quotes) != 2 || len(out.Emails) != 1 || len(out.ChatMessages) != 1 {
		t.Fatalf("aggregate counts = %d quotes, %d emails, %d messages",
			len(out.Quotes), len(out.Emails), len(out.ChatMessages))
	}
	if out.Quotes[0].TotalCost != 450 {
		t.Errorf("quotes not ordered cheapest first: %v", out.Quotes[0].TotalCost)
	}

	if _, err := svc.GetShipment(ctx, "CART-2025-99999"); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
	if _, err := svc.GetShipment(ctx, "bogus"); !IsValidation(err) {
		t.Errorf("expected validation error for malformed ID, got %v", err)
	}
}

func TestUpdateShipmentPartialUpdate(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	out, err := svc.UpdateShipment(ctx, UpdateShipmentInput{
		ShipmentID: id,
		Status:     strp("in_transit"),
		WeightKg:   f64p(1250),
	})
	if err != nil {
		t.Fatalf("update shipment: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}
	s := out.UpdatedShipment
	if s.Status != StatusInTransit {
		t.Errorf("status = %q, want in_transit", s.Status)
	}
	if s.WeightKg == nil || *s.WeightKg != 1250 {
		t.Errorf("weight not updated: %v", s.WeightKg)
	}
	if s.CustomerName != "ACME Logistics" {
		t.Errorf("untouched field changed: %q", s.CustomerName)
	}

	if _, err := svc.UpdateShipment(ctx, UpdateShipmentInput{ShipmentID: id, Status: strp("shipped")}); !IsValidation(err) {
		t.Errorf("expected validation error for bad status, got %v", err)
	}
	if _, err := svc.UpdateShipment(ctx, UpdateShipmentInput{ShipmentID: id, TotalCost: f64p(-5)}); !IsValidation(err) {
		t.Errorf("expected validation error for negative cost, got %v", err)
	}
	if _, err := svc.UpdateShipment(ctx, UpdateShipmentInput{ShipmentID: "CART-2025-99999", Status: strp("booked")}); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestListShipmentsFiltersAndTotals(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	a := mustCreateShipment(t, svc)
	time.Sleep(5 * time.Millisecond)
	mustCreateShipment(t, svc)
	time.Sleep(5 * time.Millisecond)

	third, err := svc.CreateShipment(ctx, CreateShipmentInput{
		CustomerEmail:   "other@example.com",
		CustomerName:    "Other Co",
		PickupAddress:   "pickup",
		DeliveryAddress: "delivery",
	})
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}

	if _, err := svc.UpdateShipment(ctx, UpdateShipmentInput{ShipmentID: a, Status: strp("cancelled")}); err != nil {
		t.Fatalf("update shipment: %v", err)
	}

	all, err := svc.ListShipments(ctx, ListShipmentsInput{})
	if err != nil {
		t.Fatalf("list shipments: %v", err)
	}
	if all.Total != 3 || len(all.Shipments) != 3 {
		t.Fatalf("total = %d, rows = %d, want 3/3", all.Total, len(all.Shipments))
	}
	if all.Shipments[0].ID != third.ShipmentID {
		t.Errorf("expected newest first, got %q", all.Shipments[0].ID)
	}

	byCustomer, err := svc.ListShipments(ctx, ListShipmentsInput{CustomerEmail: strp("acme@example.com")})
	if err != nil {
		t.Fatalf("list by customer: %v", err)
	}
	if byCustomer.Total != 2 {
		t.Errorf("customer filter total = %d, want 2", byCustomer.Total)
	}

	pending, err := svc.ListShipments(ctx, ListShipmentsInput{Status: strp("pending")})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if pending.Total != 2 {
		t.Errorf("pending total = %d, want 2", pending.Total)
	}

	paged, err := svc.ListShipments(ctx, ListShipmentsInput{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged.Shipments) != 1 || paged.Total != 3 {
		t.Errorf("paged rows = %d total = %d, want 1/3", len(paged.Shipments), paged.Total)
	}

	if _, err := svc.ListShipments(ctx, ListShipmentsInput{Status: strp("archived")}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAddQuoteFlipsPendingToQuotedOnly(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	out, err := svc.AddQuote(ctx, validQuoteInput(id, "SwiftShip", 800))
	if err != nil {
		t.Fatalf("add quote: %v", err)
	}
	if !IsValidQuoteID(out.QuoteID) || !strings.HasPrefix(out.QuoteID, "quote-swiftship-") {
		t.Errorf("unexpected quote ID %q", out.QuoteID)
	}

	got, err := svc.GetShipment(ctx, id)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if got.Shipment.Status != StatusQuoted {
		t.Fatalf("status after first quote = %q, want quoted", got.Shipment.Status)
	}

	// A later quote must not drag an advanced shipment back to quoted.
	if _, err := svc.UpdateShipment(ctx, UpdateShipmentInput{ShipmentID: id, Status: strp("in_transit")}); err != nil {
		t.Fatalf("update shipment: %v", err)
	}
	if _, err := svc.AddQuote(ctx, validQuoteInput(id, "RealTruck", 700)); err != nil {
		t.Fatalf("add quote: %v", err)
	}
	got, err = svc.GetShipment(ctx, id)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if got.Shipment.Status != StatusInTransit {
		t.Errorf("status after second quote = %q, want in_transit", got.Shipment.Status)
	}
}

func TestAddQuoteValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	bad := validQuoteInput(id, "SwiftShip", 800)
	bad.TotalCost = 0
	if _, err := svc.AddQuote(ctx, bad); !IsValidation(err) {
		t.Errorf("zero cost: expected validation error, got %v", err)
	}

	bad = validQuoteInput(id, "SwiftShip", 800)
	bad.ServiceType = "Overnight"
	if _, err := svc.AddQuote(ctx, bad); !IsValidation(err) {
		t.Errorf("service type: expected validation error, got %v", err)
	}

	bad = validQuoteInput(id, "SwiftShip", 800)
	bad.OtifScore = f64p(120)
	if _, err := svc.AddQuote(ctx, bad); !IsValidation(err) {
		t.Errorf("otif score: expected validation error, got %v", err)
	}

	if _, err := svc.AddQuote(ctx, validQuoteInput("CART-2025-99999", "SwiftShip", 800)); !IsNotFound(err) {
		t.Errorf("missing shipment: expected not-found, got %v", err)
	}
}

func TestSelectQuoteSwitchesSelection(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)
	qa, err := svc.AddQuote(ctx, validQuoteInput(id, "SwiftShip", 800))
	if err != nil {
		t.Fatalf("add quote: %v", err)
	}
	qb, err := svc.AddQuote(ctx, validQuoteInput(id, "RealTruck", 650))
	if err != nil {
		t.Fatalf("add quote: %v", err)
	}

	out, err := svc.SelectQuote(ctx, SelectQuoteInput{QuoteID: qa.QuoteID, ShipmentID: id})
	if err != nil {
		t.Fatalf("select quote: %v", err)
	}
	if !out.Success || !out.SelectedQuote.IsSelected {
		t.Fatal("expected selected quote in result")
	}

	got, err := svc.GetShipment(ctx, id)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	s := got.Shipment
	if s.Status != StatusBooked || s.SelectedCarrier == nil || *s.SelectedCarrier != "SwiftShip" {
		t.Fatalf("booking not recorded: status=%q carrier=%v", s.Status, s.SelectedCarrier)
	}
	if s.TotalCost == nil || *s.TotalCost != 800 {
		t.Fatalf("total cost not recorded: %v", s.TotalCost)
	}

	// Selecting the other quote moves the single selection flag.
	if _, err := svc.SelectQuote(ctx, SelectQuoteInput{QuoteID: qb.QuoteID, ShipmentID: id}); err != nil {
		t.Fatalf("select second quote: %v", err)
	}
	quotes, err := svc.GetQuotes(ctx, id)
	if err != nil {
		t.Fatalf("get quotes: %v", err)
	}
	var selected []string
	for _, q := range quotes {
		if q.IsSelected {
			selected = append(selected, q.ID)
		}
	}
	if len(selected) != 1 || selected[0] != qb.QuoteID {
		t.Fatalf("selected quotes = %v, want exactly [%s]", selected, qb.QuoteID)
	}

	got, err = svc.GetShipment(ctx, id)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if got.Shipment.SelectedCarrier == nil || *got.Shipment.SelectedCarrier != "RealTruck" {
		t.Errorf("carrier not switched: %v", got.Shipment.SelectedCarrier)
	}

	if _, err := svc.SelectQuote(ctx, SelectQuoteInput{QuoteID: "quote-nobody-001", ShipmentID: id}); !IsNotFound(err) {
		t.Errorf("expected not-found for unknown quote, got %v", err)
	}
}

func TestSelectQuoteConcurrentLeavesOneSelected(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)
	qa, err := svc.AddQuote(ctx, validQuoteInput(id, "SwiftShip", 800))
	if err != nil {
		t.Fatalf("add quote: %v", err)
	}
	qb, err := svc.AddQuote(ctx, validQuoteInput(id, "RealTruck", 650))
	if err != nil {
		t.Fatalf("add quote: %v", err)
	}

	var wg sync.WaitGroup
	for _, quoteID := range []string{qa.QuoteID, qb.QuoteID} {
		wg.Add(1)
		go func(qid string) {
			defer wg.Done()
			if _, err := svc.SelectQuote(ctx, SelectQuoteInput{QuoteID: qid, ShipmentID: id}); err != nil {
				t.Errorf("select %s: %v", qid, err)
			}
		}(quoteID)
	}
	wg.Wait()

	quotes, err := svc.GetQuotes(ctx, id)
	if err != nil {
		t.Fatalf("get quotes: %v", err)
	}
	var winner *Quote
	selected := 0
	for i := range quotes {
		if quotes[i].IsSelected {
			selected++
			winner = &quotes[i]
		}
	}
	if selected != 1 {
		t.Fatalf("selected quotes = %d, want exactly 1", selected)
	}

	got, err := svc.GetShipment(ctx, id)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	s := got.Shipment
	if s.Status != StatusBooked {
		t.Errorf("status = %q, want booked", s.Status)
	}
	if s.SelectedCarrier == nil || *s.SelectedCarrier != winner.CarrierName {
		t.Errorf("shipment carrier %v does not match selected quote %q", s.SelectedCarrier, winner.CarrierName)
	}
	if s.TotalCost == nil || *s.TotalCost != winner.TotalCost {
		t.Errorf("shipment cost %v does not match selected quote %v", s.TotalCost, winner.TotalCost)
	}
}

func TestAddEmailPreviewAndJobPublish(t *testing.T) {
	svc, repo, _, fp, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	body := strings.Repeat("q", 150)
	out, err := svc.AddEmail(ctx, AddEmailInput{
		ShipmentID: id,
		Type:       "carrier_quote",
		FromEmail:  "dispatch@swiftship.com",
		ToEmail:    "rfq@go2irl.com",
		Subject:    "Quote for lane",
		Body:       body,
		Direction:  strp("inbound"),
		Badge:      strp("QUOTE"),
	})
	if err != nil {
		t.Fatalf("add email: %v", err)
	}

	e, err := repo.GetEmail(ctx, out.EmailID)
	if err != nil {
		t.Fatalf("get email: %v", err)
	}
	if len([]rune(e.Preview)) != 100 {
		t.Errorf("preview length = %d, want 100", len([]rune(e.Preview)))
	}
	if e.Preview != body[:100] {
		t.Error("preview is not a prefix of the body")
	}
	if e.Processed {
		t.Error("new email must start unprocessed")
	}

	if len(fp.emailIDs) != 1 || fp.emailIDs[0] != out.EmailID {
		t.Errorf("published jobs = %v, want [%d]", fp.emailIDs, out.EmailID)
	}

	bad := AddEmailInput{
		ShipmentID: id, Type: "spam",
		FromEmail: "a@b.co", ToEmail: "c@d.co", Subject: "s", Body: "b",
	}
	if _, err := svc.AddEmail(ctx, bad); !IsValidation(err) {
		t.Errorf("expected validation error for bad type, got %v", err)
	}
}

func TestAddEmailSurvivesPublisherFailure(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	fp := &fakePublisher{err: errors.New("broker down")}
	svc := NewService(repo, nil, fp, nil)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	out, err := svc.AddEmail(ctx, AddEmailInput{
		ShipmentID: id, Type: "customer_request",
		FromEmail: "acme@example.com", ToEmail: "inbox@go2irl.com",
		Subject: "hello", Body: "world",
	})
	if err != nil {
		t.Fatalf("add email should succeed with a dead broker: %v", err)
	}
	if _, err := repo.GetEmail(ctx, out.EmailID); err != nil {
		t.Fatalf("email not recorded: %v", err)
	}
}

func TestUnprocessedEmailBacklog(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	var ids []uint64
	for i := 0; i < 3; i++ {
		out, err := svc.AddEmail(ctx, AddEmailInput{
			ShipmentID: id, Type: "customer_request",
			FromEmail: "acme@example.com", ToEmail: "inbox@go2irl.com",
			Subject: fmt.Sprintf("msg %d", i), Body: "body",
		})
		if err != nil {
			t.Fatalf("add email: %v", err)
		}
		ids = append(ids, out.EmailID)
		time.Sleep(5 * time.Millisecond)
	}

	if err := svc.MarkEmailProcessed(ctx, ids[1]); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	backlog, err := svc.GetUnprocessedEmails(ctx, 0)
	if err != nil {
		t.Fatalf("get unprocessed: %v", err)
	}
	if len(backlog) != 2 {
		t.Fatalf("backlog = %d, want 2", len(backlog))
	}
	if backlog[0].ID != ids[0] || backlog[1].ID != ids[2] {
		t.Errorf("backlog order = [%d %d], want oldest first [%d %d]",
			backlog[0].ID, backlog[1].ID, ids[0], ids[2])
	}

	one, err := svc.GetUnprocessedEmails(ctx, 1)
	if err != nil {
		t.Fatalf("get unprocessed limit 1: %v", err)
	}
	if len(one) != 1 || one[0].ID != ids[0] {
		t.Errorf("limited backlog = %v, want only the oldest", one)
	}
}

func TestMarkEmailProcessed(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.MarkEmailProcessed(ctx, 0); !IsValidation(err) {
		t.Errorf("expected validation error for id 0, got %v", err)
	}
	if err := svc.MarkEmailProcessed(ctx, 424242); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}

	id := mustCreateShipment(t, svc)
	out, err := svc.AddEmail(ctx, AddEmailInput{
		ShipmentID: id, Type: "customer_request",
		FromEmail: "acme@example.com", ToEmail: "inbox@go2irl.com",
		Subject: "s", Body: "b",
	})
	if err != nil {
		t.Fatalf("add email: %v", err)
	}

	if err := svc.MarkEmailProcessed(ctx, out.EmailID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	// Marking twice is a no-op, not an error.
	if err := svc.MarkEmailProcessed(ctx, out.EmailID); err != nil {
		t.Fatalf("second mark processed: %v", err)
	}

	e, err := repo.GetEmail(ctx, out.EmailID)
	if err != nil {
		t.Fatalf("get email: %v", err)
	}
	if !e.Processed {
		t.Error("email not marked processed")
	}
}

func TestFindOpenShipmentByCustomer(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.FindOpenShipmentByCustomer(ctx, "acme@example.com")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if out.ShipmentID != nil {
		t.Fatalf("expected no open shipment, got %v", *out.ShipmentID)
	}

	first := mustCreateShipment(t, svc)
	time.Sleep(5 * time.Millisecond)
	second := mustCreateShipment(t, svc)

	out, err = svc.FindOpenShipmentByCustomer(ctx, "acme@example.com")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if out.ShipmentID == nil || *out.ShipmentID != second {
		t.Fatalf("open shipment = %v, want most recent %s", out.ShipmentID, second)
	}

	// Booking the newest shipment closes it; the search falls back to the
	// older one still open.
	q, err := svc.AddQuote(ctx, validQuoteInput(second, "SwiftShip", 500))
	if err != nil {
		t.Fatalf("add quote: %v", err)
	}
	if _, err := svc.SelectQuote(ctx, SelectQuoteInput{QuoteID: q.QuoteID, ShipmentID: second}); err != nil {
		t.Fatalf("select quote: %v", err)
	}

	out, err = svc.FindOpenShipmentByCustomer(ctx, "acme@example.com")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if out.ShipmentID == nil || *out.ShipmentID != first {
		t.Fatalf("open shipment = %v, want %s", out.ShipmentID, first)
	}

	if _, err := svc.FindOpenShipmentByCustomer(ctx, "nope"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSendEmailRejectsUnapprovedSender(t *testing.T) {
	svc, _, fm, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	out := svc.SendEmail(ctx, SendEmailInput{
		ShipmentID: id,
		From:       "evil@example.com",
		To:         "acme@example.com",
		Subject:    "hi",
		Body:       "<p>hi</p>",
		Type:       "wilson_notification",
	})
	if out.Success {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(out.Error, "invalid sender") {
		t.Errorf("unexpected error: %q", out.Error)
	}
	if fm.calls != 0 {
		t.Errorf("mailer invoked %d times for a rejected sender", fm.calls)
	}
}

func TestSendEmailRecordsAndDeduplicates(t *testing.T) {
	svc, repo, fm, _, rc := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)
	in := SendEmailInput{
		ShipmentID: id,
		From:       "quotes@go2irl.com",
		To:         "acme@example.com",
		Subject:    "Your booking",
		Body:       "<p>confirmed</p>",
		Type:       "booking_confirmation",
	}

	out := svc.SendEmail(ctx, in)
	if !out.Success {
		t.Fatalf("send failed: %s", out.Error)
	}
	if out.ResendID == nil || *out.ResendID != "re_test_123" {
		t.Fatalf("resend ID = %v", out.ResendID)
	}
	if out.EmailID == nil {
		t.Fatal("email ID missing")
	}

	e, err := repo.GetEmail(ctx, *out.EmailID)
	if err != nil {
		t.Fatalf("sent email not recorded: %v", err)
	}
	if e.Type != EmailBookingConfirmation {
		t.Errorf("recorded type = %q", e.Type)
	}

	if len(rc.recs) != 1 {
		t.Fatalf("receipts stored = %d, want 1", len(rc.recs))
	}

	// Identical retry is answered from the receipt without a second send.
	again := svc.SendEmail(ctx, in)
	if !again.Success {
		t.Fatalf("retry failed: %s", again.Error)
	}
	if fm.calls != 1 {
		t.Errorf("mailer calls = %d, want 1", fm.calls)
	}
	if again.EmailID == nil || *again.EmailID != *out.EmailID {
		t.Errorf("retry email ID = %v, want %d", again.EmailID, *out.EmailID)
	}
}

func TestSendEmailPartialFailureKeepsProviderID(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	fm := &fakeMailer{id: "re_partial_1"}
	svc := NewService(repo, fm, nil, nil)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	// Provider send succeeds, then the local insert fails.
	if err := gdb.Migrator().DropTable(&Email{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	out := svc.SendEmail(ctx, SendEmailInput{
		ShipmentID: id,
		From:       "quotes@go2irl.com",
		To:         "acme@example.com",
		Subject:    "Your booking",
		Body:       "<p>confirmed</p>",
		Type:       "booking_confirmation",
	})
	if out.Success {
		t.Fatal("expected failure when recording is impossible")
	}
	if out.ResendID == nil || *out.ResendID != "re_partial_1" {
		t.Fatalf("provider ID lost on partial failure: %v", out.ResendID)
	}
	if !strings.Contains(out.Error, "failed to record") {
		t.Errorf("unexpected error: %q", out.Error)
	}
	if fm.calls != 1 {
		t.Errorf("mailer calls = %d, want 1", fm.calls)
	}
}

func TestSendEmailWithoutMailerConfigured(t *testing.T) {
	gdb := openTestDB(t)
	svc := NewService(NewRepo(gdb), nil, nil, nil)

	out := svc.SendEmail(context.Background(), SendEmailInput{
		ShipmentID: "CART-2025-00001",
		From:       "quotes@go2irl.com",
		To:         "acme@example.com",
		Subject:    "s",
		Body:       "b",
		Type:       "booking_confirmation",
	})
	if out.Success || !strings.Contains(out.Error, "not configured") {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestChatMessagesAndHistory(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	id := mustCreateShipment(t, svc)

	if _, err := svc.AddChatMessage(ctx, AddChatMessageInput{ShipmentID: id, Role: "bot", Message: "x"}); !IsValidation(err) {
		t.Errorf("expected validation error for bad role, got %v", err)
	}
	if _, err := svc.AddChatMessage(ctx, AddChatMessageInput{ShipmentID: "CART-2025-99999", Role: "user", Message: "x"}); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}

	for i, msg := range []string{"first", "second", "third"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := svc.AddChatMessage(ctx, AddChatMessageInput{ShipmentID: id, Role: role, Message: msg}); err != nil {
			t.Fatalf("add chat message: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	history, err := svc.GetChatHistory(ctx, id, 0)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if history[0].Message != "first" || history[2].Message != "third" {
		t.Errorf("history not chronological: %q .. %q", history[0].Message, history[2].Message)
	}

	limited, err := svc.GetChatHistory(ctx, id, 2)
	if err != nil {
		t.Fatalf("get limited history: %v", err)
	}
	if len(limited) != 2 || limited[0].Message != "first" {
		t.Errorf("limited history wrong: %v", limited)
	}
}
