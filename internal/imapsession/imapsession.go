// Package imapsession implements C4: a single IMAP session used by the
// producer to authenticate, select a mailbox, search an incremental UID
// range, and fetch flag-preserving message bodies. Grounded on
// nam-hle-task-management/internal/source/email/client.go's
// emersion/go-imap/v2 + go-message/mail usage, extended with SASL
// XOAUTH2 (github.com/emersion/go-sasl) in place of that teacher's
// plain Login, and with UID-range search instead of Since-date search,
// per spec.md §4.4.
package imapsession

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/errs"
	mailrec "github.com/mailpipe/ingestion/internal/mail"
)

// Config describes the remote endpoint and mailbox a Session talks to.
type Config struct {
	Host    string
	Port    int
	Mailbox string
	Account string
}

// Session wraps one connected, authenticated IMAP client.
type Session struct {
	cfg    Config
	client *imapclient.Client
	log    *zap.Logger
}

// Connect dials the IMAP server over implicit TLS (spec.md §4.4
// connect()).
func Connect(cfg Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ImapTransport, addr, err)
	}
	return &Session{cfg: cfg, client: client, log: log}, nil
}

// AuthenticateXOAUTH2 authenticates via SASL XOAUTH2 using accessToken
// (spec.md §4.4 authenticate_xoauth2()).
func (s *Session) AuthenticateXOAUTH2(accessToken string) error {
	client := &xoauth2Client{username: s.cfg.Account, token: accessToken}
	if err := s.client.Authenticate(client); err != nil {
		return fmt.Errorf("%w: %v", errs.ImapAuth, err)
	}
	return nil
}

// xoauth2Client implements sasl.Client for the XOAUTH2 mechanism,
// which go-sasl does not provide.
type xoauth2Client struct{ username, token string }

var _ sasl.Client = (*xoauth2Client)(nil)

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"), nil
}

// Next answers the server's error challenge with an empty response.
func (c *xoauth2Client) Next([]byte) ([]byte, error) { return []byte{}, nil }

// SelectResult reports what SELECT returned, including UIDVALIDITY
// (spec.md §4.4 select_folder()).
type SelectResult struct {
	UIDValidity uint32
	NumMessages uint32
	UIDNext     uint32
}

// SelectFolder selects the configured mailbox and returns its
// UIDVALIDITY for the caller's UIDVALIDITY-change check (spec.md §4.10 /
// §4.4).
func (s *Session) SelectFolder() (SelectResult, error) {
	data, err := s.client.Select(s.cfg.Mailbox, nil).Wait()
	if err != nil {
		return SelectResult{}, fmt.Errorf("%w: select %s: %v", errs.ImapProtocol, s.cfg.Mailbox, err)
	}
	return SelectResult{
		UIDValidity: data.UIDValidity,
		NumMessages: data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
	}, nil
}

// SearchUIDRange returns every UID strictly greater than sinceUID in
// the selected mailbox, in the order the server returns them (spec.md
// §4.4 search_uid_range(), the incremental cursor read).
func (s *Session) SearchUIDRange(sinceUID uint64) ([]uint64, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{
			imap.UIDSet{{Start: imap.UID(sinceUID + 1), Stop: 0}},
		},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: uid search: %v", errs.ImapProtocol, err)
	}
	uids := data.AllUIDs()
	out := make([]uint64, 0, len(uids))
	for _, u := range uids {
		// "N+1:*" also matches the highest UID when that UID is <= N.
		if uint64(u) > sinceUID {
			out = append(out, uint64(u))
		}
	}
	return out, nil
}

// Fetch retrieves envelope metadata and the full body for uid using
// BODY.PEEK (Peek: true), which never sets \Seen, preserving the
// mailbox's flag state (spec.md §4.4 fetch(): "BODY.PEEK (flag-
// preserving fetch)"). uidValidity is carried through into the
// returned Record's natural identity.
func (s *Session) Fetch(uid uint64, uidValidity uint64) (mailrec.Record, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	cmd := s.client.Fetch(uidSet, fetchOpts)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return mailrec.Record{}, fmt.Errorf("%w: uid %d not found", errs.ImapProtocol, uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return mailrec.Record{}, fmt.Errorf("%w: collecting message: %v", errs.ImapProtocol, err)
	}
	if err := cmd.Close(); err != nil {
		return mailrec.Record{}, fmt.Errorf("%w: fetch: %v", errs.ImapProtocol, err)
	}

	rec := mailrec.Record{
		UID:         uid,
		UIDValidity: uidValidity,
		Mailbox:     s.cfg.Mailbox,
		Account:     s.cfg.Account,
		Size:        buf.RFC822Size,
		FetchedAt:   time.Now().UTC(),
		Headers:     map[string]string{},
	}

	if buf.Envelope != nil {
		rec.MessageID = buf.Envelope.MessageID
		rec.Subject = buf.Envelope.Subject
		rec.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			rec.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			rec.To = append(rec.To, to.Addr())
		}
	}

	if raw := buf.FindBodySection(bodySection); raw != nil {
		text, html, headers := parseMIMEBody(raw)
		rec.BodyText = text
		rec.BodyHTMLPreview = html
		for k, v := range headers {
			rec.Headers[k] = v
		}
	}

	rec.TruncateBody(0, 0)
	return rec, nil
}

// FetchBatch retrieves every uid in uids with a single IMAP FETCH
// command over a UID set, matching the original producer's
// fetch_messages(uids) batch call rather than one round trip per
// message. Records that fail to parse are skipped, not fatal to the
// batch; the returned slice may be shorter than uids.
func (s *Session) FetchBatch(uids []uint64, uidValidity uint64) ([]mailrec.Record, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	nums := make([]imap.UID, len(uids))
	for i, u := range uids {
		nums[i] = imap.UID(u)
	}
	uidSet := imap.UIDSetNum(nums...)
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	cmd := s.client.Fetch(uidSet, fetchOpts)
	defer cmd.Close()

	var records []mailrec.Record
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			s.log.Warn("skipping message that failed to collect", zap.Error(err))
			continue
		}
		records = append(records, recordFromBuffer(s.cfg, uidValidity, buf, bodySection))
	}
	if err := cmd.Close(); err != nil {
		return records, fmt.Errorf("%w: batch fetch: %v", errs.ImapProtocol, err)
	}
	return records, nil
}

func recordFromBuffer(cfg Config, uidValidity uint64, buf *imapclient.FetchMessageBuffer, bodySection *imap.FetchItemBodySection) mailrec.Record {
	rec := mailrec.Record{
		UID:         uint64(buf.UID),
		UIDValidity: uidValidity,
		Mailbox:     cfg.Mailbox,
		Account:     cfg.Account,
		Size:        buf.RFC822Size,
		FetchedAt:   time.Now().UTC(),
		Headers:     map[string]string{},
	}
	if buf.Envelope != nil {
		rec.MessageID = buf.Envelope.MessageID
		rec.Subject = buf.Envelope.Subject
		rec.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			rec.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			rec.To = append(rec.To, to.Addr())
		}
	}
	if raw := buf.FindBodySection(bodySection); raw != nil {
		text, html, headers := parseMIMEBody(raw)
		rec.BodyText = text
		rec.BodyHTMLPreview = html
		for k, v := range headers {
			rec.Headers[k] = v
		}
	}
	rec.TruncateBody(0, 0)
	return rec
}

// Logout gracefully closes the session (spec.md §4.4 logout()).
func (s *Session) Logout() error {
	if err := s.client.Logout().Wait(); err != nil {
		return fmt.Errorf("%w: logout: %v", errs.ImapTransport, err)
	}
	return s.client.Close()
}

// Ping issues a NOOP to verify the session is still alive, used by
// the circuit breaker / health check.
func (s *Session) Ping(_ context.Context) error {
	if err := s.client.Noop().Wait(); err != nil {
		return fmt.Errorf("%w: noop: %v", errs.ImapTransport, err)
	}
	return nil
}

func parseMIMEBody(raw []byte) (textBody, htmlBody string, headers map[string]string) {
	headers = map[string]string{}
	reader := bytes.NewReader(raw)

	mr, err := mail.CreateReader(reader)
	if err != nil {
		return string(raw), "", headers
	}
	defer mr.Close()

	fields := mr.Header.Fields()
	for fields.Next() {
		headers[fields.Key()] = fields.Value()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}
	return textBody, htmlBody, headers
}
