// Package router classifies inbound messages into the inline, oracle,
// or worker tier, and routes outbound replies to the right channel.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/time/rate"

	"shepherd/internal/channel"
	"shepherd/internal/logging"
	"shepherd/internal/markdownfmt"
)

// Routing tiers.
const (
	TierInline = "inline"
	TierOracle = "oracle"
	TierWorker = "worker"
)

var (
	// ErrNoChannel is returned when no connected channel owns a JID.
	ErrNoChannel = errors.New("no connected channel for jid")
	// ErrUnsupportedPayload is returned when the owning channel cannot
	// deliver the payload kind.
	ErrUnsupportedPayload = errors.New("channel does not support payload kind")
)

// QueueFullReply is the polite backpressure reply for rejected enqueues.
const QueueFullReply = "The queue is full right now. Please try again in a moment 🙏"

// Classification is the routing decision for one message.
type Classification struct {
	Tier   string
	Reason string
}

// slashRe matches any slash command shape. Unknown commands are
// deliberately swallowed into the inline tier so they fail fast in the
// dispatcher instead of spawning a worker.
var slashRe = regexp.MustCompile(`(?i)^/[a-z0-9_]{1,32}(?:@[a-z0-9_]{3,})?\b`)

// oraclePrefix is one knowledge-query prefix with its routing reason.
type oraclePrefix struct {
	prefix string
	reason string
}

// defaultOraclePrefixes cover the knowledge-query phrasings in the
// supported languages.
var defaultOraclePrefixes = []oraclePrefix{
	{prefix: "search ", reason: "search"},
	{prefix: "remember ", reason: "remember"},
	{prefix: "recall ", reason: "recall"},
	{prefix: "ค้นหา", reason: "search-th"},
	{prefix: "จำไว้", reason: "remember-th"},
	{prefix: "นึกถึง", reason: "recall-th"},
}

// Classifier decides the tier for inbound text. Cheap and
// deterministic; safe to call on the admission path.
type Classifier struct {
	oracle []oraclePrefix
}

// NewClassifier builds a classifier with the default oracle prefixes.
func NewClassifier() *Classifier {
	return &Classifier{oracle: defaultOraclePrefixes}
}

// Classify routes text. Slash commands win, then oracle prefixes, then
// the worker default.
func (c *Classifier) Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if slashRe.MatchString(trimmed) {
		return Classification{Tier: TierInline, Reason: "admin-cmd"}
	}
	lower := strings.ToLower(trimmed)
	for _, p := range c.oracle {
		if strings.HasPrefix(lower, p.prefix) {
			return Classification{Tier: TierOracle, Reason: p.reason}
		}
	}
	return Classification{Tier: TierWorker, Reason: "default"}
}

// Outbound delivers replies: pick the connected channel owning the JID,
// rewrite markdown tables for chat rendering, and pace sends.
type Outbound struct {
	channels      []channel.Channel
	limiter       *rate.Limiter
	assistantName string
	logger        *slog.Logger
}

// NewOutbound creates an outbound router. perSecond bounds the send
// rate across all channels.
func NewOutbound(channels []channel.Channel, perSecond float64, burst int, assistantName string, logger *slog.Logger) *Outbound {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Outbound{
		channels:      channels,
		limiter:       rate.NewLimiter(rate.Limit(perSecond), burst),
		assistantName: assistantName,
		logger:        logging.Default(logger).With("component", "router"),
	}
}

// pick returns the first connected channel owning jid.
func (o *Outbound) pick(jid string) (channel.Channel, error) {
	for _, ch := range o.channels {
		if ch.OwnsJID(jid) && ch.IsConnected() {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoChannel, jid)
}

// SendText delivers a text reply, converting markdown tables and
// prefixing the assistant name on channels that need it.
func (o *Outbound) SendText(ctx context.Context, jid, text string) error {
	ch, err := o.pick(jid)
	if err != nil {
		return err
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	out := markdownfmt.Tables(text)
	if o.assistantName != "" && channel.PrefixesAssistantName(ch) {
		out = o.assistantName + ": " + out
	}
	if err := ch.SendText(ctx, jid, out); err != nil {
		return fmt.Errorf("send via %s: %w", ch.Name(), err)
	}
	return nil
}

// SendPayload delivers a media payload, falling back to SendText for
// text payloads.
func (o *Outbound) SendPayload(ctx context.Context, jid string, p channel.Payload) error {
	if p.Kind == channel.KindText {
		return o.SendText(ctx, jid, p.Text)
	}
	ch, err := o.pick(jid)
	if err != nil {
		return err
	}
	sender, ok := ch.(channel.PayloadSender)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedPayload, p.Kind, ch.Name())
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := sender.SendPayload(ctx, jid, p); err != nil {
		return fmt.Errorf("send %s via %s: %w", p.Kind, ch.Name(), err)
	}
	return nil
}

// SendQueueFull delivers the backpressure reply, logging instead of
// failing when no channel is reachable.
func (o *Outbound) SendQueueFull(ctx context.Context, jid string) {
	if err := o.SendText(ctx, jid, QueueFullReply); err != nil {
		o.logger.Warn("queue-full reply undeliverable", "jid", jid, "error", err)
	}
}

// SetTyping toggles the typing indicator where the channel supports it.
func (o *Outbound) SetTyping(ctx context.Context, jid string, typing bool) {
	ch, err := o.pick(jid)
	if err != nil {
		return
	}
	if ts, ok := ch.(channel.TypingSetter); ok {
		_ = ts.SetTyping(ctx, jid, typing)
	}
}
