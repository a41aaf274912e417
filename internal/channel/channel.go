// Package channel defines the capability the core expects from a
// messaging transport. Concrete adapters (WhatsApp, Telegram) live
// outside the core; the orchestrator only ever sees this interface.
package channel

import "context"

// Payload kinds.
const (
	KindText     = "text"
	KindPhoto    = "photo"
	KindDocument = "document"
)

// Payload is a tagged outbound message variant.
type Payload struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Text builds a plain text payload.
func Text(text string) Payload { return Payload{Kind: KindText, Text: text} }

// Photo builds a photo payload.
func Photo(path, caption string) Payload {
	return Payload{Kind: KindPhoto, FilePath: path, Caption: caption}
}

// Document builds a document payload.
func Document(path, caption, fileName string) Payload {
	return Payload{Kind: KindDocument, FilePath: path, Caption: caption, FileName: fileName}
}

// Message is an inbound chat message. Immutable once received.
type Message struct {
	ID         string
	ChatJID    string
	Sender     string
	SenderName string
	Content    string
	Timestamp  int64
	IsFromMe   bool
}

// Channel is the transport capability.
type Channel interface {
	// Name identifies the adapter ("whatsapp", "telegram", ...).
	Name() string
	// OwnsJID reports whether this adapter is responsible for jid.
	OwnsJID(jid string) bool
	// IsConnected reports whether the adapter can deliver right now.
	IsConnected() bool
	// SendText delivers a plain text message.
	SendText(ctx context.Context, jid, text string) error
}

// PayloadSender is the optional media capability.
type PayloadSender interface {
	SendPayload(ctx context.Context, jid string, p Payload) error
}

// TypingSetter is the optional typing-indicator capability.
type TypingSetter interface {
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// PrefixesAssistantName reports whether outbound text on ch should be
// prefixed with the assistant name (adapters that lose the sender
// identity, e.g. shared relay numbers).
func PrefixesAssistantName(ch Channel) bool {
	p, ok := ch.(interface{ PrefixAssistantName() bool })
	return ok && p.PrefixAssistantName()
}
