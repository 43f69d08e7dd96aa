package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"newsbot/internal/catalog"
	"newsbot/internal/task"
	"newsbot/internal/transport/telegram/router"
	"newsbot/pkg/tgui"
)

func (h *handlers) public() []router.Command {
	return []router.Command{
		{Route: "events", Description: "this week's events", Usage: "/events [org]", Handle: h.events},
		{Route: "orgs", Description: "organizations in the catalog", Handle: h.orgs},
		{Route: "rsvp", Description: "get a reminder before an event", Usage: "/rsvp <event number>", Handle: h.rsvp},
		{Route: "unrsvp", Description: "cancel an event reminder", Usage: "/unrsvp <event number>", Handle: h.unrsvp},
		{Route: "myrsvps", Aliases: []string{"reminders"}, Description: "your upcoming reminders", Handle: h.myrsvps},
		{Route: "subscribe", Description: "receive the weekly digest", Handle: h.subscribe},
		{Route: "unsubscribe", Description: "stop the weekly digest", Handle: h.unsubscribe},
		{Route: "follow", Description: "include an organization in your digest", Usage: "/follow <org>", Handle: h.follow},
		{Route: "unfollow", Description: "leave an organization out of your digest", Usage: "/unfollow <org>", Handle: h.unfollow},
	}
}

func (h *handlers) events(ctx context.Context, req *router.Request) error {
	var evs []catalog.Event
	title := "This week's events"
	if abbr := req.Arg(0); abbr != "" {
		o, ok := h.Events.Org(abbr)
		if !ok {
			return req.Reply(ctx, "Unknown organization. See /orgs.")
		}
		evs = h.Events.EventsFor(o.Abbr)
		title = "Events from " + o.Abbr
	} else {
		evs = h.Events.All()
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Start.Before(evs[j].Start) })
	}
	if len(evs) == 0 {
		return req.Reply(ctx, "No upcoming events this week.")
	}

	now := h.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", tgui.B(title))
	for _, e := range evs {
		fmt.Fprintf(&b, "\n%s. %s (%s)\n%s", tgui.Code(strconv.Itoa(e.ID)), tgui.B(e.Name), tgui.Esc(e.OrgAbbr), h.when(e.Start))
		if e.Location != "" {
			fmt.Fprintf(&b, " · %s", tgui.Esc(e.Location))
		}
		if e.Started(now) {
			b.WriteString(" <i>(started)</i>")
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nReply /rsvp &lt;number&gt; for a reminder %d minutes before.", int(h.Reminders.Lead()/time.Minute))
	return req.ReplyHTML(ctx, b.String())
}

func (h *handlers) orgs(ctx context.Context, req *router.Request) error {
	orgs := h.Events.Orgs()
	if len(orgs) == 0 {
		return req.Reply(ctx, "The catalog is empty.")
	}
	var b strings.Builder
	b.WriteString("<b>Organizations</b>\n")
	for _, o := range orgs {
		fmt.Fprintf(&b, "\n%s", tgui.Code(o.Abbr))
		if o.Name != "" {
			fmt.Fprintf(&b, ": %s", tgui.Esc(o.Name))
		}
	}
	return req.ReplyHTML(ctx, b.String())
}

func (h *handlers) rsvp(ctx context.Context, req *router.Request) error {
	id, err := intArg(req, 0, "/rsvp <event number>")
	if err != nil {
		return err
	}
	t, err := h.Reminders.Register(ctx, id, req.FromID)
	if err != nil {
		return err
	}
	ev, _ := h.Events.Get(id)
	msg := fmt.Sprintf("Got it. I'll remind you about '%s' at %s.", ev.Name, h.when(t.Trigger.At))
	if !req.Private {
		msg += " Reminders arrive in a private chat, so make sure you've started one with me."
	}
	return req.Reply(ctx, msg)
}

func (h *handlers) unrsvp(ctx context.Context, req *router.Request) error {
	id, err := intArg(req, 0, "/unrsvp <event number>")
	if err != nil {
		return err
	}
	if err := h.Reminders.Unregister(ctx, id, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "Reminder cancelled.")
}

func (h *handlers) myrsvps(ctx context.Context, req *router.Request) error {
	up := h.Reminders.Upcoming(req.FromID)
	if len(up) == 0 {
		return req.Reply(ctx, "You have no reminders. Use /rsvp <number> after /events.")
	}
	var b strings.Builder
	b.WriteString("<b>Your reminders</b>\n")
	for _, t := range up {
		p, _ := t.Payload.(task.ReminderPayload)
		name := "event " + fmt.Sprint(p.EventID)
		if ev, ok := h.Events.Get(p.EventID); ok {
			name = ev.Name
		}
		fmt.Fprintf(&b, "\n%s. %s, reminder at %s", tgui.Code(strconv.Itoa(p.EventID)), tgui.B(name), h.when(t.Trigger.At))
	}
	return req.ReplyHTML(ctx, b.String())
}

func (h *handlers) subscribe(ctx context.Context, req *router.Request) error {
	var chat int64
	if req.Private {
		chat = req.Chat.ChatID
	}
	if _, err := h.Prefs.Subscribe(ctx, req.FromID, chat); err != nil {
		return err
	}
	return req.Reply(ctx, "Subscribed. The digest arrives every week; /unfollow <org> to skip an organization.")
}

func (h *handlers) unsubscribe(ctx context.Context, req *router.Request) error {
	if _, err := h.Prefs.Unsubscribe(ctx, req.FromID); err != nil {
		return err
	}
	return req.Reply(ctx, "Unsubscribed from the weekly digest.")
}

func (h *handlers) follow(ctx context.Context, req *router.Request) error {
	if req.Arg(0) == "" {
		return usageError("/follow <org>")
	}
	if _, err := h.Prefs.Follow(ctx, req.FromID, req.Arg(0)); err != nil {
		return err
	}
	return req.Reply(ctx, "Following "+req.Arg(0)+".")
}

func (h *handlers) unfollow(ctx context.Context, req *router.Request) error {
	if req.Arg(0) == "" {
		return usageError("/unfollow <org>")
	}
	m, err := h.Prefs.Unfollow(ctx, req.FromID, req.Arg(0))
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Unfollowed %s. Muted: %s.", req.Arg(0), strings.Join(m.Unfollowed, ", ")))
}
