package agent

import (
	"context"
	"log"

	"github.com/go2irl/freightdesk/internal/freight"
)

// Processor handles one unprocessed email pulled off the job queue. A nil
// error means the worker may mark the email processed.
type Processor interface {
	Process(ctx context.Context, e *freight.Email) error
}

// LogProcessor is the default processor: it records the email headline and
// accepts it. Real agent integrations register their own factory under a
// different name.
type LogProcessor struct{}

func NewLogProcessor() *LogProcessor { return &LogProcessor{} }

func (p *LogProcessor) Process(ctx context.Context, e *freight.Email) error {
	_ = ctx
	log.Printf("email job: id=%d shipment=%s type=%s from=%s subject=%q",
		e.ID, e.ShipmentID, e.Type, e.FromEmail, e.Subject)
	return nil
}
