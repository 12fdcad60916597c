package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
)

// Controller is the scheduler surface reachable from chat.
type Controller interface {
	Approve(ctx context.Context, id, by string) (task.Task, error)
	Reject(ctx context.Context, id, by, reason string) (task.Task, error)
	Pause(ctx context.Context, by string)
	Resume(ctx context.Context, by string)
	Snapshot() scheduler.Snapshot
}

// HandleCallback applies an approval button press and returns the toast text.
func HandleCallback(ctx context.Context, ctl Controller, data, by string) string {
	switch {
	case strings.HasPrefix(data, ActionApprove):
		id := strings.TrimPrefix(data, ActionApprove)
		if _, err := ctl.Approve(ctx, id, by); err != nil {
			return "approve failed: " + err.Error()
		}
		return "approved " + id
	case strings.HasPrefix(data, ActionReject):
		id := strings.TrimPrefix(data, ActionReject)
		if _, err := ctl.Reject(ctx, id, by, "rejected from chat"); err != nil {
			return "reject failed: " + err.Error()
		}
		return "rejected " + id
	default:
		return "unknown action"
	}
}

// HandleCommand runs a slash command and returns the reply text.
func HandleCommand(ctx context.Context, ctl Controller, text, by string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]
	switch cmd {
	case "/status":
		return formatStatus(ctl.Snapshot())
	case "/pause":
		ctl.Pause(ctx, by)
		return "scheduler paused"
	case "/resume":
		ctl.Resume(ctx, by)
		return "scheduler resumed"
	case "/approve":
		if len(args) != 1 {
			return "usage: /approve <taskId>"
		}
		return HandleCallback(ctx, ctl, ActionApprove+args[0], by)
	case "/reject":
		if len(args) < 1 {
			return "usage: /reject <taskId> [reason]"
		}
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "rejected from chat"
		}
		if _, err := ctl.Reject(ctx, args[0], by, reason); err != nil {
			return "reject failed: " + err.Error()
		}
		return "rejected " + args[0]
	case "/help", "/start":
		return "/status, /pause, /resume, /approve <id>, /reject <id> [reason]"
	default:
		return ""
	}
}

func formatStatus(s scheduler.Snapshot) string {
	var b strings.Builder
	state := "running"
	switch {
	case !s.Running:
		state = "stopped"
	case s.Paused:
		state = "paused"
	}
	fmt.Fprintf(&b, "scheduler: %s\n", state)
	fmt.Fprintf(&b, "ticks: %s, processed: %s, failed: %s\n",
		humanize.Comma(int64(s.Counters.Ticks)),
		humanize.Comma(int64(s.Counters.TasksProcessed)),
		humanize.Comma(int64(s.Counters.TasksFailed)))
	if !s.Counters.LastTaskAt.IsZero() {
		fmt.Fprintf(&b, "last task: %s\n", humanize.Time(s.Counters.LastTaskAt))
	}
	for _, l := range s.Lanes {
		fmt.Fprintf(&b, "lane %s: %s since %s\n", l.Persona, l.TaskID, humanize.Time(l.StartedAt))
	}
	if s.SMT != nil {
		fmt.Fprintf(&b, "smt: %d used, %.0f%% of window, ends %s\n",
			s.SMT.Used, s.SMT.Utilization*100, humanize.Time(s.SMT.WindowEnd))
	}
	if s.Resources != nil {
		fmt.Fprintf(&b, "resources: %s\n", s.Resources.String())
	}
	return strings.TrimRight(b.String(), "\n")
}
