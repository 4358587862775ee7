package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/message"
)

func TestKeys(t *testing.T) {
	k := Keys{Prefix: "natsflow", ClientID: "orders"}

	assert.Equal(t, "natsflow:orders:foo.*.bar:listener", k.Inbound("foo.*.bar", ""))
	assert.Equal(t, "natsflow:orders:foo:workers:listener", k.Inbound("foo", "workers"))
	assert.Equal(t, "natsflow:orders:a%3Ab:listener", k.Inbound("a:b", ""))
	assert.Equal(t, "natsflow:orders:a:b:listener", k.Inbound("a", "b"))
	assert.Equal(t, "natsflow:orders:a%253Ab:listener", k.Inbound("a%3Ab", ""))
	assert.Equal(t, "natsflow:orders:sender:3", k.Outbound(3))
	assert.Equal(t, "natsflow:orders:subscriptions", k.Control())
	assert.Equal(t, "natsflow:orders:reply:abc", k.Correlation("abc"))
}

func TestOutboundRecordDecoding(t *testing.T) {
	raw, err := encode(OutboundRecord{
		Subject:   "svc.ping",
		Data:      []byte("hi"),
		Header:    message.Header{"X-Trace": {"1"}},
		Reply:     CorrelatedReply("tok"),
		TimeoutMs: 250,
	})
	require.NoError(t, err)

	rec, err := decodeOutbound(raw)
	require.NoError(t, err)
	assert.Equal(t, "svc.ping", rec.Subject)
	assert.Equal(t, []byte("hi"), rec.Data)
	assert.Equal(t, "1", rec.Header.Get("X-Trace"))
	assert.Equal(t, ReplyCorrelated, rec.Reply.Kind)
	assert.Equal(t, "tok", rec.Reply.Token)
	assert.Equal(t, 250*time.Millisecond, rec.Timeout())
}

func TestMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		raw    string
	}{
		{"inbound not json", func(b []byte) error { _, err := decodeInbound(b); return err }, `{`},
		{"inbound without subject", func(b []byte) error { _, err := decodeInbound(b); return err }, `{"base_subject":"foo"}`},
		{"outbound without subject", func(b []byte) error { _, err := decodeOutbound(b); return err }, `{"reply":{"kind":"none"}}`},
		{"correlated without token", func(b []byte) error { _, err := decodeOutbound(b); return err }, `{"subject":"a","reply":{"kind":"correlated"}}`},
		{"forward without subject", func(b []byte) error { _, err := decodeOutbound(b); return err }, `{"subject":"a","reply":{"kind":"forward"}}`},
		{"unknown reply kind", func(b []byte) error { _, err := decodeOutbound(b); return err }, `{"subject":"a","reply":{"kind":"carrier-pigeon"}}`},
		{"reply not json", func(b []byte) error { _, err := decodeReply(b); return err }, `nope`},
		{"unknown control op", func(b []byte) error { _, err := decodeControl(b); return err }, `{"op":"pause","subject":"a"}`},
		{"control without subject", func(b []byte) error { _, err := decodeControl(b); return err }, `{"op":"subscribe"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.decode([]byte(tt.raw)), errspkg.ErrMalformedRecord)
		})
	}
}

func TestOutboundWithoutReplyDefaultsToPublish(t *testing.T) {
	rec, err := decodeOutbound([]byte(`{"subject":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, ReplyKind(""), rec.Reply.Kind)
}
