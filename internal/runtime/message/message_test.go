package message

import "testing"

func TestHeaderCloneDoesNotAlias(t *testing.T) {
	original := Header{"a": {"1"}, "b": {"2"}}
	clone := original.Clone()
	clone["a"][0] = "changed"

	if original.Get("a") != "1" {
		t.Fatalf("expected original header to stay untouched, got %q", original.Get("a"))
	}
	if len(clone) != len(original) {
		t.Fatal("expected clone to have same size")
	}
}

func TestHeaderCloneNil(t *testing.T) {
	var h Header
	cloned := h.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil header")
	}
	if h.Get("missing") != "" {
		t.Fatal("expected empty value from nil header")
	}
}

func TestHeaderWith(t *testing.T) {
	base := Header{"foo": {"bar"}}
	enriched := base.With("baz", "qux")
	if base.Get("baz") != "" {
		t.Fatal("expected base header to remain unchanged")
	}
	if enriched.Get("baz") != "qux" || enriched.Get("foo") != "bar" {
		t.Fatalf("unexpected enriched header %v", enriched)
	}
}

func TestHeaderGetCanonical(t *testing.T) {
	h := Header{"Natsflow-Correlation-Id": {"abc"}}
	if got := h.Get("natsflow-correlation-id"); got != "abc" {
		t.Fatalf("expected canonical lookup to succeed, got %q", got)
	}
}

func TestMessageClone(t *testing.T) {
	msg := &Message{Subject: "foo", Reply: "_INBOX.1", Data: []byte("x"), Header: Header{"k": {"v"}}}
	clone := msg.Clone()
	clone.Data[0] = 'y'
	clone.Header.Set("k", "w")

	if string(msg.Data) != "x" || msg.Header.Get("k") != "v" {
		t.Fatal("expected original message to stay untouched")
	}
	if !clone.HasReply() {
		t.Fatal("expected clone to keep reply subject")
	}
	var nilMsg *Message
	if nilMsg.Clone() != nil || nilMsg.HasReply() {
		t.Fatal("expected nil-safe helpers")
	}
}
