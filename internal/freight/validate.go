package freight

import (
	"regexp"
	"strings"
	"time"
)

// Pure predicates over primitive values. Every lifecycle operation runs these
// before touching the store.

var (
	// Deliberately simple shape check, not full RFC 5322.
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	// CART-2025-00042 (year varies, 5-digit zero-padded sequence)
	shipmentIDRe = regexp.MustCompile(`^CART-\d{4}-\d{5}$`)

	// quote-{carrier slug}-{3 digits}
	quoteIDRe = regexp.MustCompile(`^quote-[a-z0-9]+-\d{3}$`)
)

func IsValidEmail(s string) bool { return emailRe.MatchString(s) }

func IsValidShipmentID(s string) bool { return shipmentIDRe.MatchString(s) }

func IsValidQuoteID(s string) bool { return quoteIDRe.MatchString(s) }

func IsValidShipmentStatus(s string) bool {
	switch ShipmentStatus(s) {
	case StatusPending, StatusQuoted, StatusBooked, StatusInTransit, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func IsValidEmailType(s string) bool {
	switch EmailType(s) {
	case EmailCustomerRequest, EmailRFQ, EmailCarrierQuote, EmailAnalysis,
		EmailBookingConfirmation, EmailTrackingUpdate, EmailNotification:
		return true
	}
	return false
}

func IsValidEmailDirection(s string) bool {
	switch EmailDirection(s) {
	case DirectionInbound, DirectionOutbound:
		return true
	}
	return false
}

func IsValidEmailBadge(s string) bool {
	switch EmailBadge(s) {
	case BadgeNew, BadgeQuote, BadgeRecommend, BadgeBooked, BadgeUrgent:
		return true
	}
	return false
}

func IsValidPriority(s string) bool {
	switch ShipmentPriority(s) {
	case PriorityUrgent, PriorityStandard, PriorityEconomy:
		return true
	}
	return false
}

func IsValidChatRole(s string) bool {
	switch ChatRole(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

func IsValidServiceType(s string) bool {
	switch ServiceType(s) {
	case ServiceLTL, ServiceFTL, ServiceExpedited:
		return true
	}
	return false
}

// ParseDate accepts RFC 3339 timestamps or bare dates (2006-01-02).
func ParseDate(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func IsValidDate(s string) bool {
	_, ok := ParseDate(s)
	return ok
}

func IsPositive(v float64) bool { return v > 0 }

func IsNonNegative(v float64) bool { return v >= 0 }

func IsNonEmpty(s string) bool { return strings.TrimSpace(s) != "" }

func IsValidOTIFScore(v float64) bool { return v >= 0 && v <= 100 }

func IsNonEmptyMap(m JSONMap) bool { return len(m) > 0 }

// Sanitize truncates rather than rejects: trims whitespace and caps the
// length of free-text input.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 10000 {
		s = s[:10000]
	}
	return s
}
