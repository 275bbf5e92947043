package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/eventbus"
)

// telegramMessageLimit is Telegram's hard cap per message.
const telegramMessageLimit = 4096

// Notifier pushes workflow and schedule outcomes to a Telegram chat.
// It listens on the event bus, so it stays decoupled from the
// orchestrator and scheduler.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
	subs   []*nats.Subscription
}

// New builds a notifier from the telegram config. The caller gates on
// cfg.Enabled; an empty token is an error here.
func New(cfg config.TelegramConfig) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID}, nil
}

// Start subscribes to workflow and schedule events. Notifications are
// sent from the NATS callback goroutine; failures are logged, never
// propagated back into the pipeline.
func (n *Notifier) Start(ctx context.Context, client *eventbus.Client) error {
	handler := func(msg *nats.Msg) {
		var event eventbus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid event payload", "topic", msg.Subject, "error", err)
			return
		}
		text, ok := formatEvent(event)
		if !ok {
			return
		}
		if err := n.SendMessage(ctx, text); err != nil {
			slog.Error("failed to send telegram notification", "event", event.Type, "error", err)
		}
	}

	for _, topic := range []string{eventbus.TopicEventsWorkflow, eventbus.TopicEventsSchedule} {
		sub, err := client.Subscribe(topic, handler)
		if err != nil {
			n.Stop()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
}

// SendMessage delivers text to the configured chat, split into chunks
// that fit Telegram's message size limit.
func (n *Notifier) SendMessage(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, telegramMessageLimit) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// formatEvent renders the terminal events worth a notification.
// Intermediate events (workflow.started, workflow.step, successful
// schedule fires) stay on the bus only.
func formatEvent(event eventbus.Event) (string, bool) {
	str := func(key string) string {
		s, _ := event.Data[key].(string)
		return s
	}

	switch event.Type {
	case "workflow.completed":
		if success, ok := event.Data["success"].(bool); ok && !success {
			return fmt.Sprintf("⚠️ workflow %s finished with failed steps (run %s)", str("workflow"), str("run")), true
		}
		return fmt.Sprintf("✅ workflow %s completed (run %s)", str("workflow"), str("run")), true
	case "workflow.failed":
		msg := fmt.Sprintf("❌ workflow %s failed at step %s", str("workflow"), str("step"))
		if errMsg := str("error"); errMsg != "" {
			msg += ": " + errMsg
		}
		if missing := str("missing"); missing != "" {
			msg += ": dependency " + missing + " not met"
		}
		return msg, true
	case "schedule.fired":
		// status carries the schedule's last_status vocabulary:
		// "success" or "error".
		if str("status") != "error" {
			return "", false
		}
		return fmt.Sprintf("❌ schedule %s: workflow %s failed (run %s)", str("schedule"), str("workflow"), str("run")), true
	default:
		return "", false
	}
}
