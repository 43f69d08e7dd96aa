package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"newsbot/internal/task"
	"newsbot/internal/transport/telegram/router"
	"newsbot/pkg/tgui"
)

func (h *handlers) admin() []router.Command {
	owner := router.AccessOwnerOnly
	return []router.Command{
		{Route: "task list", Description: "scheduled tasks", Access: owner, Handle: h.taskList},
		{Route: "task info", Description: "one task and its next fire", Usage: "/task info <id>", Access: owner, Handle: h.taskInfo},
		{Route: "task delay", Description: "push the next occurrence back", Usage: "/task delay <id> <minutes>", Access: owner, Handle: h.taskDelay},
		{Route: "task run", Description: "run a task now", Usage: "/task run <id>", Access: owner, Timeout: 2 * time.Minute, Handle: h.taskRun},
		{Route: "task delete", Description: "cancel a task", Usage: "/task delete <id>", Access: owner, Handle: h.taskDelete},
		{Route: "task history", Description: "recent task runs", Access: owner, Handle: h.taskHistory},
		{Route: "sync", Description: "refresh the event catalog now", Usage: "/sync [days]", Access: owner, Timeout: 2 * time.Minute, Handle: h.sync},
		{Route: "status", Description: "bot health", Access: owner, Handle: h.status},
	}
}

func (h *handlers) taskList(ctx context.Context, req *router.Request) error {
	ts := h.Tasks.List()
	if len(ts) == 0 {
		return req.Reply(ctx, "No scheduled tasks.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Tasks</b> (%d)\n", len(ts))
	for _, t := range ts {
		fmt.Fprintf(&b, "\n%s %s, %s", tgui.Code(t.ID), t.Kind(), h.nextText(t.ID))
	}
	return req.ReplyHTML(ctx, b.String())
}

func (h *handlers) nextText(id string) string {
	in, ok := h.Tasks.Info(id)
	switch {
	case !ok:
		return "gone"
	case !in.Armed:
		return "paused for its delayed copy"
	case in.Next.IsZero():
		return "no further runs"
	}
	return "next " + h.when(in.Next)
}

func (h *handlers) taskInfo(ctx context.Context, req *router.Request) error {
	id := req.Arg(0)
	if id == "" {
		return usageError("/task info <id>")
	}
	in, ok := h.Tasks.Info(id)
	if !ok {
		return req.Reply(ctx, "No task with that id. See /task list.")
	}
	t := in.Task
	lines := []string{
		"<b>Task</b> " + tgui.Code(t.ID).String(),
		"kind: " + string(t.Kind()),
		"trigger: " + tgui.Code(t.Trigger.String()).String(),
		"state: " + h.nextText(t.ID),
		"payload: " + tgui.Code(fmt.Sprintf("%+v", t.Payload)).String(),
	}
	if t.DelayedChildID != "" {
		lines = append(lines, "delayed copy: "+tgui.Code(t.DelayedChildID).String())
	}
	if parent, ok := task.IsDelayedChild(t.ID); ok {
		lines = append(lines, "delays: "+tgui.Code(parent).String())
	}
	return req.ReplyHTML(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) taskDelay(ctx context.Context, req *router.Request) error {
	const usage = "/task delay <id> <minutes>"
	id := req.Arg(0)
	mins, err := intArg(req, 1, usage)
	if id == "" || err != nil {
		return usageError(usage)
	}
	start := time.Now()
	child, err := h.Tasks.Delay(ctx, id, mins)
	h.audit(ctx, req, "scheduler", "task.delay", id+" +"+strconv.Itoa(mins)+"m", start, err)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Delayed %s by %s. It now runs at %s.", id, plural(mins, "minute", "minutes"), h.when(child.Trigger.At)))
}

func (h *handlers) taskRun(ctx context.Context, req *router.Request) error {
	id := req.Arg(0)
	if id == "" {
		return usageError("/task run <id>")
	}
	t, ok := h.Tasks.GetTask(id)
	if !ok {
		return req.Reply(ctx, "No task with that id. See /task list.")
	}
	start := time.Now()
	err := h.Tasks.RunTask(ctx, t)
	h.audit(ctx, req, "scheduler", "task.run", id, start, err)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Ran %s in %s.", id, time.Since(start).Round(time.Millisecond)))
}

func (h *handlers) taskDelete(ctx context.Context, req *router.Request) error {
	id := req.Arg(0)
	if id == "" {
		return usageError("/task delete <id>")
	}
	start := time.Now()
	ok := h.Tasks.DeleteTask(ctx, id)
	var err error
	if !ok {
		err = fmt.Errorf("no task %q", id)
	}
	h.audit(ctx, req, "scheduler", "task.delete", id, start, err)
	if !ok {
		return req.Reply(ctx, "No task with that id. See /task list.")
	}
	return req.Reply(ctx, "Deleted "+id+".")
}

func (h *handlers) taskHistory(ctx context.Context, req *router.Request) error {
	if h.Engine == nil {
		return req.Reply(ctx, "Task history is not available.")
	}
	hist := h.Engine.History()
	if len(hist) == 0 {
		return req.Reply(ctx, "No task has run yet.")
	}
	if len(hist) > 15 {
		hist = hist[len(hist)-15:]
	}
	var b strings.Builder
	b.WriteString("<b>Recent runs</b>\n")
	for i := len(hist) - 1; i >= 0; i-- {
		it := hist[i]
		status := "ok"
		if it.Error != "" {
			status = "failed: " + it.Error
		}
		fmt.Fprintf(&b, "\n%s <code>%s</code> (%s) %s, %s",
			it.Started.In(h.Location).Format("Jan 2 15:04"), tgui.Esc(it.ID), it.Name, it.Duration.Round(time.Millisecond), tgui.Esc(status))
	}
	return req.ReplyHTML(ctx, b.String())
}

func (h *handlers) sync(ctx context.Context, req *router.Request) error {
	days := h.DaysAhead
	if req.Arg(0) != "" {
		n, err := intArg(req, 0, "/sync [days]")
		if err != nil || n <= 0 {
			return usageError("/sync [days]")
		}
		days = n
	}
	start := time.Now()
	gen, err := h.Syncer.Sync(ctx, days)
	h.audit(ctx, req, "catalog", "catalog.sync", strconv.Itoa(days)+"d", start, err)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Catalog #%d: %s, %s. Outstanding reminders were cleared.",
		gen.Seq, plural(len(gen.Orgs), "organization", "organizations"), plural(len(gen.Events), "event", "events")))
}

func (h *handlers) status(ctx context.Context, req *router.Request) error {
	lines := []string{
		"<b>Status</b>",
		fmt.Sprintf("tasks: %d", len(h.Tasks.List())),
		fmt.Sprintf("catalog: #%d, %s", h.Events.Seq(), plural(len(h.Events.All()), "event", "events")),
	}
	if h.Outbox != nil {
		lines = append(lines, fmt.Sprintf("outbox: %d pending, %d recently sent", h.Outbox.Pending(), len(h.Outbox.History())))
	}
	if h.Engine != nil {
		s := h.Engine.Snapshot()
		lines = append(lines, fmt.Sprintf("engine: %d/%d queued, %d in flight, %d dropped", s.QueueLen, s.QueueCap, s.InFlight, s.Dropped))
	}
	if h.Supervisors != nil {
		snap := h.Supervisors.Snapshot()
		for _, name := range h.Supervisors.Names() {
			stats, ok := snap[name]
			if !ok {
				lines = append(lines, tgui.Esc(name).String()+": stopped")
				continue
			}
			active, restarts, panics := 0, 0, 0
			for _, st := range stats {
				active += st.Active
				restarts += st.Restarts
				panics += st.Panics
			}
			lines = append(lines, fmt.Sprintf("%s: %d goroutines, %d restarts, %d panics", tgui.Esc(name), active, restarts, panics))
		}
	}
	return req.ReplyHTML(ctx, strings.Join(lines, "\n"))
}
