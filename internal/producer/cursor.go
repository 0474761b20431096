// Cursor persistence for the producer, grounded on
// original_source/src/producer/state_manager.py's ProducerStateManager.
// Where the Python original spreads last_uid/uidvalidity/last_poll/
// total_emails across four separate Redis keys, this collapses them
// into the single JSON-encoded mail.Cursor key size-budgeted in
// spec.md §3, so atomic_update_state's UIDVALIDITY-then-UID write
// sequence becomes one statestore.Set instead of two.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mailpipe/ingestion/internal/errs"
	"github.com/mailpipe/ingestion/internal/mail"
	"github.com/mailpipe/ingestion/internal/statestore"
	"github.com/mailpipe/ingestion/internal/worker/idempotency"
)

// CursorStore persists one mail.Cursor per (account, mailbox).
type CursorStore struct {
	state *statestore.Client
	log   *zap.Logger
}

func NewCursorStore(state *statestore.Client, log *zap.Logger) *CursorStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CursorStore{state: state, log: log}
}

func cursorKey(account, mailbox string) string {
	return fmt.Sprintf("producer_state:%s:%s", account, mailbox)
}

// Get loads the cursor for (account, mailbox), returning the zero
// cursor if none is stored yet.
func (s *CursorStore) Get(ctx context.Context, account, mailbox string) (mail.Cursor, error) {
	raw, ok, err := s.state.Get(ctx, cursorKey(account, mailbox))
	if err != nil {
		return mail.Cursor{}, err
	}
	if !ok {
		return mail.Cursor{}, nil
	}
	var c mail.Cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return mail.Cursor{}, fmt.Errorf("%w: decode cursor: %v", errs.Invalid, err)
	}
	return c, nil
}

// CheckUIDValidity compares currentUIDValidity against the stored
// cursor. A zero stored UIDValidity (first poll ever) is not a change;
// any other mismatch is (spec.md §4.10's mailbox-reset detection).
func (s *CursorStore) CheckUIDValidity(ctx context.Context, account, mailbox string, currentUIDValidity uint64) (changed bool, err error) {
	c, err := s.Get(ctx, account, mailbox)
	if err != nil {
		return false, err
	}
	if c.UIDValidity == 0 {
		return false, nil
	}
	return c.UIDValidity != currentUIDValidity, nil
}

// ResetForUIDValidityChange clears LastUID and writes newUIDValidity in
// the same save, so the two never land in the store out of step: a
// crash between them would otherwise leave last_uid=0 paired with the
// stale UIDVALIDITY, and the next poll's search_uid_range(0) would run
// against a mailbox whose identity has already changed (spec.md §3's
// atomicity invariant; the Python original's reset_mailbox_state gets
// away with deferring the UIDVALIDITY write to the next
// atomic_update_state call only because it never models this crash
// window explicitly).
func (s *CursorStore) ResetForUIDValidityChange(ctx context.Context, account, mailbox string, newUIDValidity uint64) error {
	c, err := s.Get(ctx, account, mailbox)
	if err != nil {
		return err
	}
	c.UIDValidity = newUIDValidity
	c.LastUID = 0
	return s.save(ctx, account, mailbox, c)
}

// ClearPreviousEpoch deletes the idempotency partition belonging to a
// mailbox's previous UIDVALIDITY epoch, now permanently stale after a
// reset (spec.md §4.10 step 4 / SPEC_FULL.md §12's partition-clearing
// supplement). A previousUIDValidity of 0 is a no-op.
func (s *CursorStore) ClearPreviousEpoch(ctx context.Context, account, mailbox string, previousUIDValidity uint64) error {
	if previousUIDValidity == 0 {
		return nil
	}
	identity := mail.Identity{Account: account, Mailbox: mailbox, UIDValidity: previousUIDValidity}
	return s.state.Delete(ctx, idempotency.PartitionSetKey(identity))
}

// AtomicUpdate persists the new UIDVALIDITY/LastUID/poll time/email
// count in one write after a successful push batch (spec.md §4.10
// atomic_update_state()).
func (s *CursorStore) AtomicUpdate(ctx context.Context, account, mailbox string, uidValidity, lastUID uint64, pushedCount uint64) error {
	c, err := s.Get(ctx, account, mailbox)
	if err != nil {
		return err
	}
	c.UIDValidity = uidValidity
	c.LastUID = lastUID
	c.LastPollAt = time.Now().UTC()
	c.TotalEmails += pushedCount
	return s.save(ctx, account, mailbox, c)
}

// TouchPollTime updates LastPollAt without changing the cursor,
// for polls that found no new mail (spec.md §4.10
// update_last_poll_time()).
func (s *CursorStore) TouchPollTime(ctx context.Context, account, mailbox string) error {
	c, err := s.Get(ctx, account, mailbox)
	if err != nil {
		return err
	}
	c.LastPollAt = time.Now().UTC()
	return s.save(ctx, account, mailbox, c)
}

func (s *CursorStore) save(ctx context.Context, account, mailbox string, c mail.Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: encode cursor: %v", errs.Invalid, err)
	}
	return s.state.Set(ctx, cursorKey(account, mailbox), string(raw))
}
