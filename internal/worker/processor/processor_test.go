package processor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpipe/ingestion/internal/mail"
)

func validRecord() mail.Record {
	return mail.Record{
		UID:         42,
		UIDValidity: 700,
		Mailbox:     "INBOX",
		Account:     "user@example.com",
		From:        "sender@example.com",
		Subject:     "hello",
		MessageID:   "<abc@example.com>",
	}
}

func TestProcessDefaultHandler(t *testing.T) {
	p := New(nil, nil)
	result, err := p.Process(validRecord())
	require.NoError(t, err)
	assert.True(t, result.Processed)

	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uint64(42), data["uid"])
}

func TestProcessRejectsMissingMailbox(t *testing.T) {
	p := New(nil, nil)
	rec := validRecord()
	rec.Mailbox = ""

	_, err := p.Process(rec)
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestProcessRejectsZeroUID(t *testing.T) {
	p := New(nil, nil)
	rec := validRecord()
	rec.UID = 0

	_, err := p.Process(rec)
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestProcessCustomHandlerError(t *testing.T) {
	wantErr := errors.New("handler exploded")
	p := New(func(mail.Record) (interface{}, error) {
		return nil, wantErr
	}, nil)

	_, err := p.Process(validRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestProcessCustomHandlerSuccess(t *testing.T) {
	p := New(func(r mail.Record) (interface{}, error) {
		return r.Subject, nil
	}, nil)

	result, err := p.Process(validRecord())
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Data)
}
