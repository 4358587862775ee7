// Package bridge implements the multi-process strategy. Listener and Sender
// workers own the bus connection; application processes reach them only
// through an ordered queue store.
package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/natsflow/internal/runtime/codec"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/message"
)

// ReplyKind tells the sender what to do with the answer to an outbound record.
type ReplyKind string

const (
	// ReplyNone is a plain publish.
	ReplyNone ReplyKind = "none"
	// ReplyCorrelated is a request whose reply goes to a correlation entry.
	ReplyCorrelated ReplyKind = "correlated"
	// ReplyForward is a publish whose receivers answer to another subject.
	ReplyForward ReplyKind = "forward"
)

// Reply is the reply intent of an outbound record.
type Reply struct {
	Kind    ReplyKind `json:"kind"`
	Token   string    `json:"token,omitempty"`
	Subject string    `json:"subject,omitempty"`
}

func NoReply() Reply                     { return Reply{Kind: ReplyNone} }
func CorrelatedReply(token string) Reply { return Reply{Kind: ReplyCorrelated, Token: token} }
func ForwardReply(subject string) Reply  { return Reply{Kind: ReplyForward, Subject: subject} }

func (r Reply) validate() error {
	switch r.Kind {
	case ReplyNone, "":
		return nil
	case ReplyCorrelated:
		if r.Token == "" {
			return fmt.Errorf("%w: correlated reply without token", errspkg.ErrMalformedRecord)
		}
	case ReplyForward:
		if r.Subject == "" {
			return fmt.Errorf("%w: forward reply without subject", errspkg.ErrMalformedRecord)
		}
	default:
		return fmt.Errorf("%w: unknown reply kind %q", errspkg.ErrMalformedRecord, r.Kind)
	}
	return nil
}

// InboundRecord carries a bus message from the listener to a consumer.
type InboundRecord struct {
	BaseSubject string         `json:"base_subject"`
	QueueGroup  string         `json:"queue_group,omitempty"`
	Subject     string         `json:"subject"`
	Data        []byte         `json:"data,omitempty"`
	Header      message.Header `json:"header,omitempty"`
	// ReplyToken is set when the bus sender waits for an answer.
	ReplyToken string `json:"reply_token,omitempty"`
}

// OutboundRecord carries a publish or request from a client to the sender.
type OutboundRecord struct {
	Subject   string         `json:"subject"`
	Data      []byte         `json:"data,omitempty"`
	Header    message.Header `json:"header,omitempty"`
	Reply     Reply          `json:"reply"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// Timeout returns the request timeout carried by the record.
func (r OutboundRecord) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// ReplyRecord is the single value pushed to a correlation entry.
type ReplyRecord struct {
	Data   []byte         `json:"data,omitempty"`
	Header message.Header `json:"header,omitempty"`
	// Empty means the handler produced no reply.
	Empty   bool   `json:"empty,omitempty"`
	Timeout bool   `json:"timeout,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ControlOp is a subscription change requested by a client.
type ControlOp string

const (
	OpSubscribe   ControlOp = "subscribe"
	OpUnsubscribe ControlOp = "unsubscribe"
)

// ControlRecord asks the listener to add or drop a bus subscription.
type ControlRecord struct {
	Op         ControlOp `json:"op"`
	Subject    string    `json:"subject"`
	QueueGroup string    `json:"queue_group,omitempty"`
}

func encode(v any) ([]byte, error) {
	return codec.MarshalJSON(v)
}

func decodeInbound(raw []byte) (InboundRecord, error) {
	var rec InboundRecord
	if err := codec.UnmarshalJSON(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", errspkg.ErrMalformedRecord, err)
	}
	if rec.Subject == "" || rec.BaseSubject == "" {
		return rec, fmt.Errorf("%w: inbound record without subject", errspkg.ErrMalformedRecord)
	}
	return rec, nil
}

func decodeOutbound(raw []byte) (OutboundRecord, error) {
	var rec OutboundRecord
	if err := codec.UnmarshalJSON(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", errspkg.ErrMalformedRecord, err)
	}
	if rec.Subject == "" {
		return rec, fmt.Errorf("%w: outbound record without subject", errspkg.ErrMalformedRecord)
	}
	return rec, rec.Reply.validate()
}

func decodeReply(raw []byte) (ReplyRecord, error) {
	var rec ReplyRecord
	if err := codec.UnmarshalJSON(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", errspkg.ErrMalformedRecord, err)
	}
	return rec, nil
}

func decodeControl(raw []byte) (ControlRecord, error) {
	var rec ControlRecord
	if err := codec.UnmarshalJSON(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", errspkg.ErrMalformedRecord, err)
	}
	if rec.Op != OpSubscribe && rec.Op != OpUnsubscribe {
		return rec, fmt.Errorf("%w: unknown control op %q", errspkg.ErrMalformedRecord, rec.Op)
	}
	if rec.Subject == "" {
		return rec, fmt.Errorf("%w: control record without subject", errspkg.ErrMalformedRecord)
	}
	return rec, nil
}

// Keys names the queues of one client namespace.
type Keys struct {
	Prefix   string
	ClientID string
}

func (k Keys) join(parts ...string) string {
	return strings.Join(append([]string{k.Prefix, k.ClientID}, parts...), ":")
}

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Inbound is the queue consumers of (pattern, queue group) read from. Both
// are escaped so that no two pairs share a key.
func (k Keys) Inbound(pattern, queue string) string {
	pattern = segmentEscaper.Replace(pattern)
	if queue == "" {
		return k.join(pattern, "listener")
	}
	return k.join(pattern, segmentEscaper.Replace(queue), "listener")
}

// Outbound is the n-th sender queue.
func (k Keys) Outbound(n int) string {
	return k.join("sender", strconv.Itoa(n))
}

// Control is the queue of subscription changes.
func (k Keys) Control() string {
	return k.join("subscriptions")
}

// Correlation is the single-use reply entry of token.
func (k Keys) Correlation(token string) string {
	return k.join("reply", token)
}
