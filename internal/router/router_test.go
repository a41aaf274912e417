package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"shepherd/internal/channel"
)

func TestClassify_SlashCommands(t *testing.T) {
	c := NewClassifier()
	tests := []string{
		"/ping",
		"/not_exists",
		"/help@my_bot",
		"/status now please",
		"/HELP",
	}
	for _, in := range tests {
		got := c.Classify(in)
		if got.Tier != TierInline || got.Reason != "admin-cmd" {
			t.Errorf("Classify(%q) = %+v, want inline/admin-cmd", in, got)
		}
	}
}

func TestClassify_OraclePrefixes(t *testing.T) {
	c := NewClassifier()
	tests := map[string]string{
		"search for cheap flights":             "search",
		"Remember my wifi password is hunter2": "remember",
		"recall what we said about dinner":     "recall",
		"ค้นหาร้านอาหาร":                       "search-th",
	}
	for in, reason := range tests {
		got := c.Classify(in)
		if got.Tier != TierOracle || got.Reason != reason {
			t.Errorf("Classify(%q) = %+v, want oracle/%s", in, got, reason)
		}
	}
}

func TestClassify_DefaultsToWorker(t *testing.T) {
	c := NewClassifier()
	tests := []string{
		"what's the weather like",
		"researching flights", // no prefix word boundary
		"hello /ping",         // slash not at start
		"สวัสดีครับ",
	}
	for _, in := range tests {
		got := c.Classify(in)
		if got.Tier != TierWorker || got.Reason != "default" {
			t.Errorf("Classify(%q) = %+v, want worker/default", in, got)
		}
	}
}

func TestOutbound_PicksConnectedOwner(t *testing.T) {
	wa := channel.NewMemory("whatsapp", "@s.whatsapp.net")
	tg := channel.NewMemory("telegram", "@tg")
	o := NewOutbound([]channel.Channel{wa, tg}, 100, 10, "", nil)

	if err := o.SendText(context.Background(), "42@tg", "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(tg.Sent()) != 1 || len(wa.Sent()) != 0 {
		t.Errorf("sent to wrong channel: tg=%d wa=%d", len(tg.Sent()), len(wa.Sent()))
	}
}

func TestOutbound_SkipsDisconnectedChannel(t *testing.T) {
	tg := channel.NewMemory("telegram", "@tg")
	tg.SetConnected(false)
	o := NewOutbound([]channel.Channel{tg}, 100, 10, "", nil)

	err := o.SendText(context.Background(), "42@tg", "hi")
	if !errors.Is(err, ErrNoChannel) {
		t.Fatalf("got %v, want ErrNoChannel", err)
	}
}

func TestOutbound_ConvertsMarkdownTables(t *testing.T) {
	tg := channel.NewMemory("telegram", "@tg")
	o := NewOutbound([]channel.Channel{tg}, 100, 10, "", nil)

	table := "| a | b |\n| --- | --- |\n| 1 | 2 |"
	if err := o.SendText(context.Background(), "42@tg", table); err != nil {
		t.Fatal(err)
	}
	sent := tg.Sent()[0].Payload.Text
	if strings.Contains(sent, "| --- |") {
		t.Errorf("table not converted: %q", sent)
	}
	if !strings.Contains(sent, "• 1") {
		t.Errorf("converted list missing: %q", sent)
	}
}

func TestOutbound_SendsPayloads(t *testing.T) {
	tg := channel.NewMemory("telegram", "@tg")
	o := NewOutbound([]channel.Channel{tg}, 100, 10, "", nil)

	p := channel.Photo("/tmp/pic.png", "look")
	if err := o.SendPayload(context.Background(), "42@tg", p); err != nil {
		t.Fatal(err)
	}
	sent := tg.Sent()
	if len(sent) != 1 || sent[0].Payload.Kind != channel.KindPhoto {
		t.Errorf("sent = %+v", sent)
	}
}

func TestOutbound_QueueFullReplyText(t *testing.T) {
	tg := channel.NewMemory("telegram", "@tg")
	o := NewOutbound([]channel.Channel{tg}, 100, 10, "", nil)

	o.SendQueueFull(context.Background(), "42@tg")
	sent := tg.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Payload.Text, "queue is full") {
		t.Errorf("reply = %q", sent[0].Payload.Text)
	}
}
