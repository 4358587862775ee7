// Package message holds the envelope shared by the bus adapters, the
// middleware chain, and both execution strategies.
package message

import "net/textproto"

// Header carries the optional headers of a bus message.
type Header map[string][]string

// Get returns the first value stored under key.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	if v := h[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set replaces the values stored under key.
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Clone returns a deep copy of the header map. The result is never nil.
func (h Header) Clone() Header {
	cloned := make(Header, len(h))
	for k, v := range h {
		values := make([]string, len(v))
		copy(values, v)
		cloned[k] = values
	}
	return cloned
}

// With returns a cloned header containing the provided key/value pair.
func (h Header) With(key, value string) Header {
	cloned := h.Clone()
	cloned.Set(key, value)
	return cloned
}

// Message is a bus message. Value holds the decoded payload on the listen
// path and the application value on the send path, before encoding.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
	Header  Header
	Value   any
}

// New builds a message for subject with a raw payload.
func New(subject string, data []byte) *Message {
	return &Message{Subject: subject, Data: data}
}

// Clone returns a copy of the message that does not alias its payload or headers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cloned := *m
	if m.Data != nil {
		cloned.Data = append([]byte(nil), m.Data...)
	}
	if m.Header != nil {
		cloned.Header = m.Header.Clone()
	}
	return &cloned
}

// HasReply reports whether the sender is waiting for a reply.
func (m *Message) HasReply() bool {
	return m != nil && m.Reply != ""
}
