package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/go2irl/freightdesk/internal/common"
	"github.com/go2irl/freightdesk/internal/freight"
)

// Tool describes one named operation in the catalog.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
}

var toolCatalog = []Tool{
	{Name: "create_shipment", Description: "Create a new freight shipment record",
		Required: []string{"customer_email", "customer_name", "pickup_address", "delivery_address"}},
	{Name: "get_shipment", Description: "Get a shipment with its quotes, emails and chat history",
		Required: []string{"shipment_id"}},
	{Name: "update_shipment", Description: "Update shipment fields",
		Required: []string{"shipment_id"}},
	{Name: "list_shipments", Description: "List shipments with optional status/customer filters"},
	{Name: "add_quote", Description: "Add a carrier quote for a shipment",
		Required: []string{"shipment_id", "carrier_name", "carrier_email", "total_cost", "base_rate", "fuel_surcharge", "transit_days", "service_type"}},
	{Name: "get_quotes", Description: "Get all quotes for a shipment, cheapest first",
		Required: []string{"shipment_id"}},
	{Name: "select_quote", Description: "Select a quote and book the shipment against it",
		Required: []string{"quote_id", "shipment_id"}},
	{Name: "add_email", Description: "Record an email on a shipment's case",
		Required: []string{"shipment_id", "type", "from_email", "to_email", "subject", "body"}},
	{Name: "get_emails", Description: "Get emails for a shipment, newest first",
		Required: []string{"shipment_id"}},
	{Name: "get_unprocessed_emails", Description: "Get unprocessed emails, oldest first"},
	{Name: "mark_email_processed", Description: "Mark an email as processed",
		Required: []string{"email_id"}},
	{Name: "find_open_shipment_by_customer", Description: "Find a customer's most recent open shipment",
		Required: []string{"customer_email"}},
	{Name: "send_email", Description: "Send an email via Resend and record it",
		Required: []string{"shipment_id", "from", "to", "subject", "body", "type"}},
	{Name: "add_chat_message", Description: "Append a chat message to a shipment's conversation",
		Required: []string{"shipment_id", "role", "message"}},
	{Name: "get_chat_history", Description: "Get a shipment's chat history, oldest first",
		Required: []string{"shipment_id"}},
}

func (h *Handler) ListTools(c *gin.Context) {
	common.OK(c, gin.H{"tools": toolCatalog})
}

// Per-operation argument shapes for tools whose input is not a service input
// struct of its own.
type shipmentIDArgs struct {
	ShipmentID string `json:"shipment_id"`
}

type customerEmailArgs struct {
	CustomerEmail string `json:"customer_email"`
}

type limitArgs struct {
	Limit int `json:"limit"`
}

type emailIDArgs struct {
	EmailID int64 `json:"email_id"`
}

type chatHistoryArgs struct {
	ShipmentID string `json:"shipment_id"`
	Limit      int    `json:"limit"`
}

// CallTool dispatches one named-operation invocation: decode the argument bag
// into the operation's typed request, run it, envelope the result.
func (h *Handler) CallTool(c *gin.Context) {
	ctx := c.Request.Context()

	switch c.Param("name") {
	case "create_shipment":
		var in freight.CreateShipmentInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.CreateShipment(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "get_shipment":
		var in shipmentIDArgs
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.GetShipment(ctx, in.ShipmentID)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "update_shipment":
		var in freight.UpdateShipmentInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.UpdateShipment(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "list_shipments":
		var in freight.ListShipmentsInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.ListShipments(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "add_quote":
		var in freight.AddQuoteInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.AddQuote(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "get_quotes":
		var in shipmentIDArgs
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		quotes, err := h.Svc.GetQuotes(ctx, in.ShipmentID)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, gin.H{"quotes": quotes})

	case "select_quote":
		var in freight.SelectQuoteInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.SelectQuote(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "add_email":
		var in freight.AddEmailInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.AddEmail(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "get_emails":
		var in freight.GetEmailsInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		emails, err := h.Svc.GetEmails(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, gin.H{"emails": emails})

	case "get_unprocessed_emails":
		var in limitArgs
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		emails, err := h.Svc.GetUnprocessedEmails(ctx, in.Limit)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, gin.H{"emails": emails})

	case "mark_email_processed":
		var in emailIDArgs
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		if in.EmailID <= 0 {
			failErr(c, freight.Validationf("invalid email_id (must be a positive integer)"))
			return
		}
		if err := h.Svc.MarkEmailProcessed(ctx, uint64(in.EmailID)); err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, gin.H{"success": true})

	case "find_open_shipment_by_customer":
		var in customerEmailArgs
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.FindOpenShipmentByCustomer(ctx, in.CustomerEmail)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "send_email":
		var in freight.SendEmailInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		// send_email reports failure in its own result shape rather than as
		// a transport error, so partial failures keep the provider ID.
		common.OK(c, h.Svc.SendEmail(ctx, in))

	case "add_chat_message":
		var in freight.AddChatMessageInput
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		out, err := h.Svc.AddChatMessage(ctx, in)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, out)

	case "get_chat_history":
		var in chatHistoryArgs
		if err := bindArgs(c, &in); err != nil {
			failBind(c, err)
			return
		}
		messages, err := h.Svc.GetChatHistory(ctx, in.ShipmentID, in.Limit)
		if err != nil {
			failErr(c, err)
			return
		}
		common.OK(c, gin.H{"messages": messages})

	default:
		common.Fail(c, http.StatusNotFound, 40400, "unknown tool: "+c.Param("name"))
	}
}
