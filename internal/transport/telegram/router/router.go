// Package router turns Telegram messages into command invocations: it
// resolves multi-word routes and aliases, enforces owner-only access and runs
// handlers on a supervised worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"newsbot/internal/runtime/supervisor"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated path, e.g. "events" or "task delay".
	Route       string
	Aliases     []string // root-level shortcuts, e.g. "myrsvp"
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Private      bool
	Owner        bool

	Path    []string // matched route tokens
	Command string
	Args    []string // positionals after the route
	RawArgs []string

	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends plain text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

// Arg returns the i-th positional or "".
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

type Option func(*Router)

func WithOwners(ids []int64) Option    { return func(r *Router) { r.owners = slices.Clone(ids) } }
func WithWorkers(n int) Option         { return func(r *Router) { r.workers = n } }
func WithQueueSize(n int) Option       { return func(r *Router) { r.queue = n } }
func WithErrorText(f ErrorText) Option { return func(r *Router) { r.errText = f } }

// ErrorText maps a handler error to a reply for the user. ok=false means
// the error is internal and the user gets a generic message.
type ErrorText func(err error) (text string, ok bool)

type Router struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	menu   []kit.BotCommand
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	errText ErrorText
	workers int
	queue   int

	runMu sync.Mutex
	sup   *supervisor.Supervisor
	jobs  chan func()
}

func New(log logx.Logger, adapter kit.Adapter, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = max(2, runtime.NumCPU())
	}
	if r.queue <= 0 {
		r.queue = 256
	}
	return r
}

// SetOwners swaps the owner list; used on config reload.
func (r *Router) SetOwners(ids []int64) {
	cp := slices.Clone(ids)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Supervisor is the worker pool's supervisor while Run is active.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Register replaces the command set. /help is always added.
func (r *Router) Register(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"start"},
		Description: "list commands or explain one",
		Usage:       "/help [command] [subcommand]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText(req.Args, req.Owner))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	var leaves []Command
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		leaves = append(leaves, c)

		// Multi-word routes get a /a_b shortcut for the Telegram menu. The
		// plain single-word name is never aliased or subcommands would be
		// shadowed.
		if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, taken := alias[menu]; !taken {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, taken := alias[sa]; !taken {
					alias[sa] = leaf
				}
			}
		}
	}
	menu := buildTelegramMenuCommands(root, leaves)

	r.mu.Lock()
	r.root, r.alias, r.menu = root, alias, menu
	r.mu.Unlock()
}

// PublishMenu pushes the command list to the adapter's autocomplete menu
// when the adapter supports it.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := r.menu
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// Run consumes updates until ctx ends or the channel closes. Handlers run on
// a fixed pool of restartable workers.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
	jobs := make(chan func(), r.queue)
	r.runMu.Lock()
	r.sup, r.jobs = sup, jobs
	r.runMu.Unlock()

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("queue", r.queue))

	defer func() {
		r.runMu.Lock()
		r.sup = nil
		close(jobs)
		r.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) enqueue(fn func()) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.sup == nil {
		return false
	}
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Route resolves one update. Non-command messages are ignored.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	root, alias := r.root, r.alias
	r.mu.RUnlock()

	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		r.dispatch(ctx, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}
	node, path, rest := root.walk(word, args)
	if node == nil {
		_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if node.cmd == nil {
		txt := r.helpText(path, r.IsOwner(msg.FromID))
		_, _ = r.adapter.SendText(ctx, chat, txt, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	r.dispatch(ctx, up, *node.cmd, path, rest)
}

func (r *Router) dispatch(ctx context.Context, up kit.Update, cmd Command, path, raw []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	owner := r.IsOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = r.adapter.SendText(ctx, chat, "This command is for bot owners only.", nil)
		return
	}

	rid := newReqID()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Route),
	)
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Private:      msg.IsPrivate,
		Owner:        owner,
		Path:         path,
		Command:      strings.Join(path, " "),
		Args:         pos,
		RawArgs:      raw,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger:       reqLog,
	}

	// Panics become errors inside MWReplyError so the user still gets an
	// answer; runJob catches anything above that.
	h := Chain(cmd.Handle,
		MWRequestLog(r.log),
		MWReplyError(r.errText),
		MWPanicRecover(r.log),
		MWTimeout(cmd.Timeout),
	)
	if !r.enqueue(func() { _ = h(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}
