// Package producer implements C10: the cursor-driven IMAP poll cycle
// that turns new messages into Log Store entries. Grounded on
// original_source/producer.py's EmailProducer.fetch_and_push_emails,
// translated from its long synchronous method into a small Engine with
// one PollOnce cycle the C17 main loop drives on a ticker.
package producer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/auth"
	"github.com/mailpipe/ingestion/internal/breaker"
	"github.com/mailpipe/ingestion/internal/correlation"
	"github.com/mailpipe/ingestion/internal/imapsession"
	"github.com/mailpipe/ingestion/internal/logging"
	"github.com/mailpipe/ingestion/internal/logstore"
	"github.com/mailpipe/ingestion/internal/mail"
)

// Config parametrizes one Engine (spec.md §4.10).
type Config struct {
	Account         string
	Mailbox         string
	BatchSize       int
	StreamName      string
	MaxStreamLength int64
	// DryRun skips the log store append and cursor advance on every poll
	// cycle, for the producer CLI's --dry-run flag (spec.md §2 CLI
	// surface): useful to verify connectivity/search results. The
	// cursor's last poll time is still updated.
	DryRun bool
}

// Engine drives one account/mailbox's poll cycle.
type Engine struct {
	cfg      Config
	imapCfg  imapsession.Config
	provider auth.Provider
	store    *logstore.Client
	cursors  *CursorStore
	imapCB   *breaker.Breaker
	log      *zap.Logger

	session *imapsession.Session
}

// New builds an Engine. imapBreaker guards every IMAP round trip
// (spec.md §2: "Every call into C1/C4 is guarded by C5").
func New(cfg Config, imapCfg imapsession.Config, provider auth.Provider, store *logstore.Client, cursors *CursorStore, imapCB *breaker.Breaker, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, imapCfg: imapCfg, provider: provider, store: store, cursors: cursors, imapCB: imapCB, log: log}
}

// ensureSession connects and authenticates if the engine does not
// already hold a live session.
func (e *Engine) ensureSession(ctx context.Context) error {
	if e.session != nil {
		return nil
	}
	return e.imapCB.Call(func() error {
		session, err := imapsession.Connect(e.imapCfg, e.log)
		if err != nil {
			return err
		}
		token, err := e.provider.AccessToken(ctx)
		if err != nil {
			_ = session.Logout()
			return err
		}
		if err := session.AuthenticateXOAUTH2(token); err != nil {
			_ = session.Logout()
			return err
		}
		e.session = session
		return nil
	})
}

// discardSession drops the current session so the next poll
// reconnects, used after any transport-level failure.
func (e *Engine) discardSession() {
	if e.session != nil {
		_ = e.session.Logout()
		e.session = nil
	}
}

// PollOnce runs one full poll cycle: select, detect UIDVALIDITY
// change, search the incremental UID range, fetch, append to the log
// store, and persist the advanced cursor. It returns the number of
// messages successfully pushed.
func (e *Engine) PollOnce(ctx context.Context) (int, error) {
	ctx, corrID := correlation.WithNew(ctx)
	log := logging.WithCorrelation(e.log, ctx).With(zap.String("mailbox", e.cfg.Mailbox))

	if err := e.ensureSession(ctx); err != nil {
		return 0, fmt.Errorf("connect imap: %w", err)
	}

	var sel imapsession.SelectResult
	err := e.imapCB.Call(func() error {
		var selErr error
		sel, selErr = e.session.SelectFolder()
		return selErr
	})
	if err != nil {
		e.discardSession()
		return 0, fmt.Errorf("select folder: %w", err)
	}

	changed, err := e.cursors.CheckUIDValidity(ctx, e.cfg.Account, e.cfg.Mailbox, uint64(sel.UIDValidity))
	if err != nil {
		return 0, fmt.Errorf("check uidvalidity: %w", err)
	}
	if changed {
		previous, err := e.cursors.Get(ctx, e.cfg.Account, e.cfg.Mailbox)
		if err != nil {
			return 0, fmt.Errorf("load previous cursor: %w", err)
		}
		log.Warn("uidvalidity changed, mailbox was reset; restarting from uid 0",
			zap.Uint64("previous_uidvalidity", previous.UIDValidity),
			zap.Uint64("new_uidvalidity", uint64(sel.UIDValidity)))
		if err := e.cursors.ResetForUIDValidityChange(ctx, e.cfg.Account, e.cfg.Mailbox, uint64(sel.UIDValidity)); err != nil {
			return 0, fmt.Errorf("reset cursor: %w", err)
		}
		e.clearPreviousEpochAsync(previous.UIDValidity, log)
	}

	cursor, err := e.cursors.Get(ctx, e.cfg.Account, e.cfg.Mailbox)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	var uids []uint64
	err = e.imapCB.Call(func() error {
		var searchErr error
		uids, searchErr = e.session.SearchUIDRange(cursor.LastUID)
		return searchErr
	})
	if err != nil {
		e.discardSession()
		return 0, fmt.Errorf("search uid range: %w", err)
	}
	// UID SEARCH results arrive in an unspecified order (spec.md §4.4);
	// the checkpoint written below assumes ascending order, so sort
	// before any truncation touches the set.
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if len(uids) == 0 {
		log.Debug("no new messages")
		return 0, e.cursors.TouchPollTime(ctx, e.cfg.Account, e.cfg.Mailbox)
	}
	if e.cfg.BatchSize > 0 && len(uids) > e.cfg.BatchSize {
		uids = uids[:e.cfg.BatchSize]
	}

	log.Info("fetching new messages", zap.Int("count", len(uids)))

	var records []mail.Record
	err = e.imapCB.Call(func() error {
		fetched, fetchErr := e.session.FetchBatch(uids, uint64(sel.UIDValidity))
		if fetchErr != nil {
			return fetchErr
		}
		for _, r := range fetched {
			r.CorrelationID = corrID
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		e.discardSession()
		return 0, fmt.Errorf("fetch batch: %w", err)
	}

	if e.cfg.DryRun {
		log.Info("dry run: skipping log store append and cursor advance", zap.Int("would_push", len(records)))
		return 0, e.cursors.TouchPollTime(ctx, e.cfg.Account, e.cfg.Mailbox)
	}

	pipe := e.store.Pipeline()
	pushable := make([]mail.Record, 0, len(records))
	for _, r := range records {
		payload, err := r.MarshalPayload()
		if err != nil {
			log.Error("failed to serialize message, skipping", zap.Uint64("uid", r.UID), zap.Error(err))
			continue
		}
		pipe.Append(ctx, e.cfg.StreamName, map[string]interface{}{"payload": string(payload)}, e.cfg.MaxStreamLength)
		pushable = append(pushable, r)
	}
	if err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("append batch to log store: %w", err)
	}

	pushed := len(pushable)
	if pushed > 0 {
		lastUID := pushable[pushed-1].UID
		if err := e.cursors.AtomicUpdate(ctx, e.cfg.Account, e.cfg.Mailbox, uint64(sel.UIDValidity), lastUID, uint64(pushed)); err != nil {
			return pushed, fmt.Errorf("update cursor: %w", err)
		}
		log.Info("poll cycle complete", zap.Int("pushed", pushed), zap.Uint64("last_uid", lastUID))
	}

	return pushed, nil
}

// Run executes PollOnce on an interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration, onResult func(pushed int, err error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		pushed, err := e.PollOnce(ctx)
		if onResult != nil {
			onResult(pushed, err)
		}
	}
	poll()

	for {
		select {
		case <-ctx.Done():
			e.discardSession()
			return ctx.Err()
		case <-ticker.C:
			poll()
		}
	}
}

// Close releases the engine's IMAP session, if any.
func (e *Engine) Close() {
	e.discardSession()
}

// clearPreviousEpochAsync drops the idempotency partition for the
// mailbox's previous UIDVALIDITY epoch in the background, so a slow
// Redis DEL never delays the poll cycle that just detected the change
// (SPEC_FULL.md §12: "asynchronous clearing of the previous epoch's
// partition on UIDVALIDITY change"). previousUIDValidity of 0 means
// this was the mailbox's first-ever poll, not a real reset; nothing to
// clear.
func (e *Engine) clearPreviousEpochAsync(previousUIDValidity uint64, log *zap.Logger) {
	if previousUIDValidity == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.cursors.ClearPreviousEpoch(ctx, e.cfg.Account, e.cfg.Mailbox, previousUIDValidity); err != nil {
			log.Error("failed to clear previous idempotency epoch", zap.Uint64("previous_uidvalidity", previousUIDValidity), zap.Error(err))
		}
	}()
}
