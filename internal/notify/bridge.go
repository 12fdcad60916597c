package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"missionctl/internal/eventbus"
	"missionctl/internal/selfmodify"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
	logx "missionctl/pkg/logx"
)

// Callback data prefixes carried on approval buttons.
const (
	ActionApprove = "approve:"
	ActionReject  = "reject:"
)

// Subscriber is the bus surface the bridge needs.
type Subscriber interface {
	SubscribeChan(buffer int) (<-chan eventbus.Event, func())
}

// Format renders a bus event as a message. Events nobody needs to see
// return false.
func Format(ev eventbus.Event) (Message, bool) {
	switch ev.Topic {
	case eventbus.TopicApprovalRequired:
		req, ok := ev.Payload.(scheduler.ApprovalRequest)
		if !ok {
			return Message{}, false
		}
		return Message{
			Text: fmt.Sprintf("<b>Approval needed</b>\n%s\n<code>%s</code> · %s · %s · urgency %d",
				html.EscapeString(truncate(req.Title, 200)), req.TaskID, req.Persona, req.Category, req.Urgency),
			Priority: PriorityWarn,
			Actions: []Action{
				{Label: "Approve", Data: ActionApprove + req.TaskID},
				{Label: "Reject", Data: ActionReject + req.TaskID},
			},
		}, true

	case eventbus.TopicAlert:
		a, ok := ev.Payload.(scheduler.Alert)
		if !ok {
			return Message{}, false
		}
		text := "<b>" + html.EscapeString(a.Kind) + "</b>"
		if a.Module != "" {
			text += " " + html.EscapeString(a.Module)
		}
		text += "\n" + html.EscapeString(truncate(a.Message, 500))
		return Message{Text: text, Priority: PriorityCritical}, true

	case eventbus.TopicTaskBlocked:
		t, ok := ev.Payload.(task.Task)
		if !ok {
			return Message{}, false
		}
		return Message{
			Text: fmt.Sprintf("<b>Task blocked</b> %s\n<code>%s</code> · %s\n%s",
				html.EscapeString(truncate(t.Title, 200)), t.ID, t.Persona, html.EscapeString(truncate(t.DecisionSummary, 400))),
			Priority: PriorityWarn,
		}, true

	case eventbus.TopicRollback:
		rep, ok := ev.Payload.(selfmodify.RollbackReport)
		if !ok || !rep.RolledBack {
			return Message{}, false
		}
		return Message{
			Text: fmt.Sprintf("<b>Self-modify rolled back</b> (%s to %s)\n%s\n%s",
				rep.Strategy, shortCommit(rep.Commit), html.EscapeString(strings.Join(rep.Files, ", ")), html.EscapeString(rep.Reason)),
			Priority: PriorityCritical,
		}, true

	case eventbus.TopicReloadScheduled:
		res, ok := ev.Payload.(selfmodify.ReloadResult)
		if !ok {
			return Message{}, false
		}
		return Message{
			Text:     fmt.Sprintf("Restart scheduled in %s (rollback point %s)", res.Delay, shortCommit(res.RollbackCommit)),
			Priority: PriorityInfo,
		}, true
	}
	return Message{}, false
}

func shortCommit(c string) string {
	if len(c) > 10 {
		return c[:10]
	}
	return c
}

// Bridge forwards formatted bus events to a Service.
type Bridge struct {
	svc         *Service
	ch          <-chan eventbus.Event
	unsubscribe func()
}

// NewBridge subscribes immediately, so events published before Run starts
// are buffered rather than lost.
func NewBridge(bus Subscriber, svc *Service) *Bridge {
	ch, unsubscribe := bus.SubscribeChan(64)
	return &Bridge{svc: svc, ch: ch, unsubscribe: unsubscribe}
}

// Run forwards events until ctx is done, then unsubscribes.
func (b *Bridge) Run(ctx context.Context) {
	defer b.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.ch:
			if !ok {
				return
			}
			m, ok := Format(ev)
			if !ok {
				continue
			}
			if err := b.svc.Notify(ctx, m); err != nil {
				b.svc.log.Debug("notification not queued", logx.String("topic", ev.Topic), logx.Err(err))
			}
		}
	}
}
