package freight

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	mrand "math/rand"
	"strconv"
	"strings"
	"time"
)

// AllocateShipmentID derives the next CART-<year>-NNNNN identifier by reading
// the highest existing ID for the current year and incrementing its 5-digit
// suffix. Best-effort, not a strict sequence: if the lookup fails the
// allocator falls back to a random suffix rather than failing the create.
// Lexicographic ordering holds only while the suffix stays 5 digits wide;
// allocation past 99999 in one year overflows the encoding.
func AllocateShipmentID(ctx context.Context, r *Repo, now time.Time) string {
	prefix := fmt.Sprintf("CART-%d-", now.Year())

	last, err := r.MaxShipmentIDWithPrefix(ctx, prefix)
	if err != nil {
		log.Printf("shipment id allocation fell back to random: %v", err)
		return fmt.Sprintf("%s%05d", prefix, mrand.Intn(100000))
	}

	next := 1
	if last != "" {
		if n, err := strconv.Atoi(last[strings.LastIndex(last, "-")+1:]); err == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%05d", prefix, next)
}

// NewQuoteID builds quote-<carrier slug>-DDD. The 3-digit suffix is random
// and not checked against existing rows; the collision risk is accepted.
func NewQuoteID(carrierName string) string {
	return fmt.Sprintf("quote-%s-%03d", slugCarrier(carrierName), mrand.Intn(1000))
}

// slugCarrier lowercases the name, strips everything outside [a-z0-9] and
// truncates to 15 characters.
func slugCarrier(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(name) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
		if b.Len() == 15 {
			break
		}
	}
	return b.String()
}

// NewCaseID returns CASE-XXXXXXXX (8 uppercase hex characters), the grouping
// key that ties inbound email replies to a shipment.
func NewCaseID() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("CASE-%08X", mrand.Uint32())
	}
	return "CASE-" + strings.ToUpper(hex.EncodeToString(buf[:]))
}
