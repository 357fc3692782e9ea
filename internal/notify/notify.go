// Package notify implements the Slack notifier spec.md section 7 names as
// a user-visible surface: dump-success notifications and unknown-action
// assertions. spec.md section 1 lists the Slack notifier among the
// external collaborators this spec references by interface only; this
// package is that interface plus a real github.com/slack-go/slack
// implementation, per SPEC_FULL.md section 2.
package notify

import (
	"fmt"

	"github.com/alecthomas/log4go"
	"github.com/slack-go/slack"
)

// Notifier sends a best-effort message to an operator-facing channel.
// Failures are logged, never propagated: a missing Slack token or a
// transient API error must never fail the dump or crash the assertion
// path it's reporting on.
type Notifier interface {
	Notify(text string) error
}

// SlackNotifier posts to a single configured channel via the Slack Web
// API.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// New constructs a SlackNotifier. An empty token yields a Notifier whose
// Notify is a no-op logged at Debug, so the crawler runs without Slack
// configured (e.g. in development, per spec.md section 9's memory://
// defaults).
func New(token, channel string) Notifier {
	if token == "" {
		return noopNotifier{}
	}
	return &SlackNotifier{api: slack.New(token), channel: channel}
}

// Notify posts text to the configured channel.
func (n *SlackNotifier) Notify(text string) error {
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("notify: posting to slack: %w", err)
	}
	return nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(text string) error {
	log4go.Debug("notify: no slack token configured, dropping notification: %v", text)
	return nil
}

// DumpSuccess formats the dump-success notification spec.md section 4.6
// step 4 calls for.
func DumpSuccess(n Notifier, name string, attacks, hosts, crawls int) {
	text := fmt.Sprintf("rsdos-crawler dump %v: %d attacks, %d hosts, %d crawls", name, attacks, hosts, crawls)
	if err := n.Notify(text); err != nil {
		log4go.Warn("notify: %v", err)
	}
}

// UnknownAction formats the unknown-action-assertion notification spec.md
// section 7 calls for: an action value the handler switch didn't expect,
// which is a programming error rather than a data error.
func UnknownAction(n Notifier, topic, action string) {
	text := fmt.Sprintf("rsdos-crawler: unknown action %q on topic %v (programming error)", action, topic)
	if err := n.Notify(text); err != nil {
		log4go.Warn("notify: %v", err)
	}
}
