package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateBodyUsesCorrectSlice(t *testing.T) {
	r := Record{BodyText: "abcdefghij", BodyHTMLPreview: "0123456789"}
	r.TruncateBody(5, 3)
	assert.Equal(t, "abcde", r.BodyText)
	assert.Equal(t, "012", r.BodyHTMLPreview)
}

func TestTruncateBodyUsesDefaultsWhenCapZero(t *testing.T) {
	r := Record{BodyText: "short"}
	r.TruncateBody(0, 0)
	assert.Equal(t, "short", r.BodyText)
}

func TestIdentityKeyAndPartitionKey(t *testing.T) {
	id := Identity{Account: "a@b.com", Mailbox: "INBOX", UIDValidity: 700, UID: 12}
	assert.Equal(t, "a@b.com|INBOX|700|12", id.Key())
	assert.Equal(t, "a@b.com|INBOX|700", id.PartitionKey())
}

func TestMarshalUnmarshalPayloadRoundTrip(t *testing.T) {
	r := Record{UID: 1, UIDValidity: 2, Mailbox: "INBOX", Subject: "hi"}
	payload, err := r.MarshalPayload()
	require.NoError(t, err)

	got, err := UnmarshalPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, r.UID, got.UID)
	assert.Equal(t, r.Subject, got.Subject)
}

func TestDLQEnvelopeRoundTrip(t *testing.T) {
	e := DLQEnvelope{OriginalEntryID: "1-0", ErrorKind: "invariant_violation", RetryCount: 3}
	payload, err := e.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalDLQEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, e.OriginalEntryID, got.OriginalEntryID)
	assert.Equal(t, e.RetryCount, got.RetryCount)
}
