// Package newsletter runs the weekly digest: it resyncs the catalog, renders
// one digest per organization and queues it for every subscriber.
package newsletter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"newsbot/internal/catalog"
	"newsbot/internal/notifier"
	"newsbot/internal/storage"
	"newsbot/internal/task"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
	"newsbot/pkg/tgui"
)

// TaskID is the id of the recurring digest task.
const TaskID = "newsletter"

// DefaultCron is Sunday 19:00 in the scheduler's zone.
const DefaultCron = "0 0 19 * * 0"

var ErrUnknownOrg = errors.New("newsletter: unknown organization")

type Syncer interface {
	Sync(ctx context.Context, daysAhead int) (catalog.Generation, error)
	Catalog() *catalog.Catalog
}

type Outbox interface {
	Enqueue(m notifier.Message) error
}

type TaskCreator interface {
	EnsureTask(ctx context.Context, t task.Task) (task.Task, bool, error)
}

type Config struct {
	Cron      string
	DaysAhead int
	Location  *time.Location
	// Footer is appended to every digest.
	Footer string
}

type Service struct {
	// mu serializes preference read-modify-write.
	mu sync.Mutex

	cfg     Config
	sync    Syncer
	members storage.MemberStore
	out     Outbox
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, s Syncer, members storage.MemberStore, out Outbox, log logx.Logger) *Service {
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if cfg.DaysAhead <= 0 {
		cfg.DaysAhead = catalog.DefaultDaysAhead
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sync:    s,
		members: members,
		out:     out,
		log:     log.With(logx.String("comp", "newsletter")),
		now:     time.Now,
	}
}

// EnsureScheduled creates the recurring digest task, or reschedules it when
// the configured cron or horizon changed since it was stored.
func (s *Service) EnsureScheduled(ctx context.Context, tasks TaskCreator) (task.Task, error) {
	t, _, err := tasks.EnsureTask(ctx, task.Task{
		ID:      TaskID,
		Trigger: task.Cron(s.cfg.Cron),
		Payload: task.SyncPayload{DaysAhead: s.cfg.DaysAhead},
	})
	return t, err
}

// Report summarizes one digest run.
type Report struct {
	Seq    uint64
	Orgs   int
	Events int
	Queued int
	Failed int
}

// Run is the handler of the digest task.
func (s *Service) Run(ctx context.Context, p task.SyncPayload) error {
	_, err := s.Send(ctx, p.DaysAhead)
	return err
}

// Send resyncs the catalog and queues the digests.
func (s *Service) Send(ctx context.Context, daysAhead int) (Report, error) {
	if daysAhead <= 0 {
		daysAhead = s.cfg.DaysAhead
	}
	gen, err := s.sync.Sync(ctx, daysAhead)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Seq: gen.Seq, Events: len(gen.Events)}

	byOrg := map[string][]catalog.Event{}
	for _, e := range gen.Events {
		byOrg[e.OrgAbbr] = append(byOrg[e.OrgAbbr], e)
	}
	digests := map[string]string{}
	for _, o := range gen.Orgs {
		if evs := byOrg[o.Abbr]; len(evs) > 0 {
			digests[o.Abbr] = s.Digest(o, evs)
			rep.Orgs++
		}
	}
	if len(digests) == 0 {
		s.log.Info("no upcoming events, digest skipped", logx.Uint64("seq", gen.Seq))
		return rep, nil
	}

	members, err := s.members.ListMembers(ctx)
	if err != nil {
		s.log.Error("list members failed", logx.Err(err))
	}

	queue := func(chatID int64, abbr string) {
		err := s.out.Enqueue(notifier.Message{
			To:      kit.ChatTarget{ChatID: chatID},
			Text:    digests[abbr],
			Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
			Key:     fmt.Sprintf("digest:%d:%s:%d", gen.Seq, abbr, chatID),
		})
		if err != nil {
			rep.Failed++
			s.log.Warn("queue digest failed", logx.String("org", abbr), logx.Int64("chat_id", chatID), logx.Err(err))
			return
		}
		rep.Queued++
	}

	for _, o := range gen.Orgs {
		if _, ok := digests[o.Abbr]; !ok {
			continue
		}
		if o.ChatID != 0 {
			queue(o.ChatID, o.Abbr)
		}
		for _, m := range members {
			if !m.Subscribed || unfollowed(m, o.Abbr) {
				continue
			}
			queue(memberChat(m), o.Abbr)
		}
	}

	s.log.Info("digest queued",
		logx.Uint64("seq", rep.Seq),
		logx.Int("orgs", rep.Orgs),
		logx.Int("events", rep.Events),
		logx.Int("queued", rep.Queued),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

// Digest renders one organization's events, grouped by team, as Telegram
// HTML.
func (s *Service) Digest(o catalog.Organization, events []catalog.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s's Weekly Newsletter</b>\n", tgui.Esc(o.Abbr))
	if o.Name != "" {
		fmt.Fprintf(&b, "%s\n", tgui.I(o.Name))
	}
	if o.Description != "" {
		fmt.Fprintf(&b, "%s\n", tgui.Esc(o.Description))
	}

	groups := map[string][]catalog.Event{}
	var teams []string
	for _, e := range events {
		team := e.Team
		if team == "" {
			team = "Events"
		}
		if _, ok := groups[team]; !ok {
			teams = append(teams, team)
		}
		groups[team] = append(groups[team], e)
	}
	for _, team := range teams {
		evs := groups[team]
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Start.Before(evs[j].Start) })
		fmt.Fprintf(&b, "\n%s\n", tgui.UB(team))
		for _, e := range evs {
			st := e.Start.In(s.cfg.Location)
			fmt.Fprintf(&b, "%s. %s on %s at %s\n",
				tgui.Code(strconv.Itoa(e.ID)), tgui.B(e.Name), tgui.Code(st.Weekday().String()), tgui.Code(st.Format("3:04 PM MST")))
		}
	}
	if o.Website != "" {
		fmt.Fprintf(&b, "\n%s\n", tgui.Link(o.Website, o.Website))
	}
	footer := s.cfg.Footer
	if footer == "" {
		footer = "Reply /rsvp &lt;number&gt; to get a reminder before an event."
	}
	fmt.Fprintf(&b, "\n%s\n%s", tgui.I(s.now().In(s.cfg.Location).Format("Mon, January 2")+" newsletter"), footer)
	return b.String()
}

func unfollowed(m storage.Member, abbr string) bool {
	return slices.ContainsFunc(m.Unfollowed, func(a string) bool { return strings.EqualFold(a, abbr) })
}

func memberChat(m storage.Member) int64 {
	if m.ChatID != 0 {
		return m.ChatID
	}
	return m.UserID
}
