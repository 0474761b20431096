// Package processor implements C14: validation and transformation of a
// decoded Mail Record, with a pluggable business handler. Grounded on
// original_source/src/worker/processor.py's EmailProcessor, trimmed of
// its in-object counters (the worker loop already reports outcomes
// through internal/metrics) and its JSON string-dict interface (the
// Go pipeline passes a typed mail.Record end to end instead).
package processor

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/mail"
)

// ErrMissingFields is returned when a record lacks the minimum schema
// spec.md §4.14 requires: uid, mailbox, uidvalidity.
var ErrMissingFields = errors.New("mail record missing minimum required fields")

// Result is the outcome of processing one record (spec.md §4.14).
type Result struct {
	Processed bool
	Data      interface{}
}

// Handler implements record-specific business logic. Handlers must be
// deterministic with respect to the record's natural identity so that
// redelivery after a retry or a claim is safe (spec.md §4.14).
type Handler func(mail.Record) (interface{}, error)

// Processor validates a record's minimum schema, then applies either a
// caller-supplied Handler or a default pass-through transformation.
type Processor struct {
	handler Handler
	log     *zap.Logger
}

func New(handler Handler, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if handler == nil {
		handler = defaultHandler
	}
	return &Processor{handler: handler, log: log}
}

// Process validates then runs the handler over rec.
func (p *Processor) Process(rec mail.Record) (Result, error) {
	if err := validate(rec); err != nil {
		return Result{}, err
	}

	p.log.Debug("processing record",
		zap.Uint64("uid", rec.UID),
		zap.String("mailbox", rec.Mailbox),
		zap.String("from", rec.From),
	)

	data, err := p.handler(rec)
	if err != nil {
		return Result{}, fmt.Errorf("handler failed for uid=%d mailbox=%s: %w", rec.UID, rec.Mailbox, err)
	}
	return Result{Processed: true, Data: data}, nil
}

func validate(rec mail.Record) error {
	if rec.Mailbox == "" {
		return fmt.Errorf("%w: mailbox", ErrMissingFields)
	}
	if rec.UID == 0 {
		return fmt.Errorf("%w: uid", ErrMissingFields)
	}
	if rec.UIDValidity == 0 {
		return fmt.Errorf("%w: uidvalidity", ErrMissingFields)
	}
	return nil
}

// defaultHandler extracts the record's headline fields without any
// side effects, matching the Python original's placeholder
// _default_processing.
func defaultHandler(rec mail.Record) (interface{}, error) {
	return map[string]interface{}{
		"uid":        rec.UID,
		"from":       rec.From,
		"to":         rec.To,
		"subject":    rec.Subject,
		"message_id": rec.MessageID,
	}, nil
}
