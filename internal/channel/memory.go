package channel

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process channel used by tests and the local REPL
// adapter. It records everything sent through it.
type Memory struct {
	ChannelName string
	JIDSuffix   string
	Connected   bool

	mu   sync.Mutex
	sent []SentRecord
}

// SentRecord is one captured outbound send.
type SentRecord struct {
	JID     string
	Payload Payload
}

// NewMemory creates a connected in-memory channel owning JIDs with the
// given suffix.
func NewMemory(name, jidSuffix string) *Memory {
	return &Memory{ChannelName: name, JIDSuffix: jidSuffix, Connected: true}
}

func (m *Memory) Name() string { return m.ChannelName }

func (m *Memory) OwnsJID(jid string) bool { return strings.HasSuffix(jid, m.JIDSuffix) }

func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

// SetConnected flips the connection state.
func (m *Memory) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connected = v
}

func (m *Memory) SendText(_ context.Context, jid, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentRecord{JID: jid, Payload: Text(text)})
	return nil
}

func (m *Memory) SendPayload(_ context.Context, jid string, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentRecord{JID: jid, Payload: p})
	return nil
}

// Sent returns a copy of all captured sends.
func (m *Memory) Sent() []SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentRecord, len(m.sent))
	copy(out, m.sent)
	return out
}
