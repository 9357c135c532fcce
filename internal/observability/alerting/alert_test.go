package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "StratVault-Chain/internal/errors"
)

type fakeNotifier struct {
	channel Channel
	events  []Event
	fail    bool
}

func (n *fakeNotifier) Channel() Channel { return n.channel }

func (n *fakeNotifier) Notify(_ context.Context, event Event) error {
	if n.fail {
		return errors.New("channel down")
	}
	n.events = append(n.events, event)
	return nil
}

func TestFanoutBroadcastsToAllChannels(t *testing.T) {
	email := &fakeNotifier{channel: ChannelEmail}
	slack := &fakeNotifier{channel: ChannelSlack}
	dispatcher := NewFanout(email, nil, slack)

	event := Event{
		Code:       xerrors.Code("CUSTODY_SHORTFALL"),
		Message:    "bridged leg cannot be recalled",
		StrategyID: 3,
		Amount:     4_000,
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(email.events) != 1 || len(slack.events) != 1 {
		t.Fatalf("expected one event per channel, got %d/%d", len(email.events), len(slack.events))
	}
	if email.events[0].StrategyID != 3 || email.events[0].Amount != 4_000 {
		t.Fatalf("unexpected event: %+v", email.events[0])
	}
}

func TestFanoutCollectsChannelFailures(t *testing.T) {
	email := &fakeNotifier{channel: ChannelEmail, fail: true}
	slack := &fakeNotifier{channel: ChannelSlack}
	dispatcher := NewFanout(email, slack)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.Code("INSUFFICIENT_FEES")})
	if err == nil {
		t.Fatal("expected error from failing channel")
	}
	if !strings.Contains(err.Error(), "channel email") {
		t.Fatalf("unexpected error: %v", err)
	}
	// 单个渠道失败不影响其他渠道收到事件
	if len(slack.events) != 1 {
		t.Fatalf("expected slack to still receive the event, got %d", len(slack.events))
	}
}

func TestFanoutLastNotifierPerChannelWins(t *testing.T) {
	first := &fakeNotifier{channel: ChannelDingTalk}
	second := &fakeNotifier{channel: ChannelDingTalk}
	dispatcher := NewFanout(first, second)

	if err := dispatcher.Notify(context.Background(), Event{Code: xerrors.Code("CHAIN_NOT_ALLOWED")}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(first.events) != 0 {
		t.Fatalf("expected first notifier to be replaced, got %d events", len(first.events))
	}
	if len(second.events) != 1 {
		t.Fatalf("expected second notifier to receive the event, got %d", len(second.events))
	}
}
