package mail

import (
	"context"
	"strings"
)

// Mailer sends one outbound email and returns the provider's message ID.
type Mailer interface {
	Send(ctx context.Context, from, to, subject, htmlBody string) (string, error)
}

// SenderDomain is the only domain outbound mail may originate from.
const SenderDomain = "@go2irl.com"

// ApprovedSenders is the fixed allow-list of outbound sender addresses.
var ApprovedSenders = []string{
	"wilsonjr@go2irl.com",
	"rfq@go2irl.com",
	"quotes@go2irl.com",
	"support@go2irl.com",
	"transportation@go2irl.com",
	"swiftship@go2irl.com",
	"inbox@go2irl.com",
	"ilovetrucks@go2irl.com",
	"realtruck@go2irl.com",
	"supertrucks@go2irl.com",
}

// IsApprovedSender reports whether addr is on the allow-list. Matching is
// case-insensitive on the address as a whole.
func IsApprovedSender(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, a := range ApprovedSenders {
		if addr == a {
			return true
		}
	}
	return false
}
