// Package mail defines the wire-level data model shared between the
// producer and the worker: the Mail Record appended to the primary log,
// the Producer Cursor persisted in the state store, and the DLQ
// Envelope appended to the dead-letter log. Field names and semantics
// follow spec.md §3 exactly; behavior for ambiguous cases (truncation,
// header decoding) follows
// _examples/original_source/src/imap/imap_client.py's EmailMessage.
package mail

import (
	"encoding/json"
	"time"
)

// DefaultBodyTextCap is the default truncation bound for Record.BodyText,
// per spec.md §3 ("default 2 KiB").
const DefaultBodyTextCap = 2048

// DefaultBodyHTMLPreviewCap bounds BodyHTMLPreview. The Python original
// keeps a 500-byte preview of the body only (it never stores HTML
// separately); this pipeline keeps the same cap for the HTML preview
// field added by spec.md §3.
const DefaultBodyHTMLPreviewCap = 500

// Identity is the natural identity from spec.md §3/GLOSSARY:
// (account, mailbox, uidvalidity, uid).
type Identity struct {
	Account     string
	Mailbox     string
	UIDValidity uint64
	UID         uint64
}

// Key renders the identity as the idempotency-set member string used by
// C11, e.g. "acct@example.com|INBOX|700|12".
func (id Identity) Key() string {
	return id.Account + "|" + id.Mailbox + "|" +
		uintToString(id.UIDValidity) + "|" + uintToString(id.UID)
}

// PartitionKey groups the identity for the partition-by-uidvalidity
// idempotency scheme described in spec.md §4.11 / SPEC_FULL §12.
func (id Identity) PartitionKey() string {
	return id.Account + "|" + id.Mailbox + "|" + uintToString(id.UIDValidity)
}

func uintToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Record is the Mail Record from spec.md §3.
type Record struct {
	UID             uint64            `json:"uid"`
	UIDValidity     uint64            `json:"uidvalidity"`
	Mailbox         string            `json:"mailbox"`
	Account         string            `json:"account"`
	From            string            `json:"from"`
	To              []string          `json:"to"`
	Subject         string            `json:"subject"`
	Date            time.Time         `json:"date"`
	MessageID       string            `json:"message_id"`
	Size            int64             `json:"size"`
	Headers         map[string]string `json:"headers"`
	BodyText        string            `json:"body_text"`
	BodyHTMLPreview string            `json:"body_html_preview"`
	FetchedAt       time.Time         `json:"fetched_at"`
	CorrelationID   string            `json:"correlation_id"`
}

// Identity returns the record's natural identity.
func (r Record) Identity() Identity {
	return Identity{Account: r.Account, Mailbox: r.Mailbox, UIDValidity: r.UIDValidity, UID: r.UID}
}

// TruncateBody destructively truncates BodyText/BodyHTMLPreview to the
// given caps. Truncation is not signaled beyond the cap being reached,
// per spec.md §3's invariant. A cap of 0 uses the package default.
//
// The Python original truncates with `self.body_text[2000]` instead of
// `self.body_text[:2000]` — indexing a single character instead of
// slicing, a latent bug in the source. This only takes the correct
// prefix slice.
func (r *Record) TruncateBody(textCap, htmlCap int) {
	if textCap <= 0 {
		textCap = DefaultBodyTextCap
	}
	if htmlCap <= 0 {
		htmlCap = DefaultBodyHTMLPreviewCap
	}
	if len(r.BodyText) > textCap {
		r.BodyText = r.BodyText[:textCap]
	}
	if len(r.BodyHTMLPreview) > htmlCap {
		r.BodyHTMLPreview = r.BodyHTMLPreview[:htmlCap]
	}
}

// MarshalPayload serializes the record to the UTF-8 JSON encoding
// stored in the stream entry's "payload" field (spec.md §6).
func (r Record) MarshalPayload() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalPayload parses a stream entry's "payload" field back into a
// Record.
func UnmarshalPayload(payload []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(payload, &r)
	return r, err
}

// Cursor is the Producer Cursor from spec.md §3, tracked per
// (account, mailbox).
type Cursor struct {
	LastUID     uint64    `json:"last_uid"`
	UIDValidity uint64    `json:"uidvalidity"`
	LastPollAt  time.Time `json:"last_poll_at"`
	TotalEmails uint64    `json:"total_emails"`
}

// DLQEnvelope is the C13 output appended to the dead-letter stream.
// Field names match spec.md §3/§6 exactly (the Python original names
// these original_message_id/original_data/error_type; those names are
// not carried over).
type DLQEnvelope struct {
	OriginalEntryID string    `json:"original_entry_id"`
	OriginalPayload []byte    `json:"original_payload"`
	ErrorKind       string    `json:"error_kind"`
	ErrorMessage    string    `json:"error_message"`
	RetryCount      int       `json:"retry_count"`
	FailedAt        time.Time `json:"failed_at"`
}

// Marshal serializes the envelope for storage in the DLQ stream entry's
// "envelope" field.
func (e DLQEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalDLQEnvelope parses a DLQ stream entry's "envelope" field.
func UnmarshalDLQEnvelope(payload []byte) (DLQEnvelope, error) {
	var e DLQEnvelope
	err := json.Unmarshal(payload, &e)
	return e, err
}
