// Package bot routes chat commands (/start, /broadcast, ...) to the drip
// services. Handlers run on a bounded worker pool under a supervisor.
package bot

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "dripbot/internal/runtime/supervisor"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Name is the single command word without the slash, e.g. "start".
	Name        string
	Description string
	Usage       string
	Access      Access
	// Hidden commands are routed but left out of /help and the menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string

	// Text is everything after the command word, as typed.
	Text string

	// Parsed arguments
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Notifier kit.Notifier
	Logger   logx.Logger
	IsOwner  bool
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Notifier.SendText(ctx, r.Chat, text, opt)
	return err
}

// ReplyHTML sends an HTML-formatted reply without link previews.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	return r.Reply(ctx, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

type Router struct {
	mu       sync.RWMutex
	cmds     map[string]Command
	owners   []int64
	timeout  time.Duration
	notifier kit.Notifier
	log      logx.Logger

	workers int

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

type RouterOption func(*Router)

// WithWorkers sets the handler pool size (default 4).
func WithWorkers(n int) RouterOption { return func(r *Router) { r.workers = n } }

// WithQueue sets the pending job capacity (default 64).
func WithQueue(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.jobs = make(chan func(), n)
		}
	}
}

// WithDefaultTimeout bounds commands that set no Timeout of their own.
func WithDefaultTimeout(d time.Duration) RouterOption { return func(r *Router) { r.timeout = d } }

func NewRouter(log logx.Logger, notifier kit.Notifier, owners []int64, opts ...RouterOption) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:     map[string]Command{},
		owners:   slices.Clone(owners),
		timeout:  30 * time.Second,
		notifier: notifier,
		log:      log.With(logx.String("comp", "bot")),
		workers:  4,
		jobs:     make(chan func(), 64),
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	return r
}

// SetCommands replaces the command table. /help is always added.
func (r *Router) SetCommands(cmds []Command) {
	table := make(map[string]Command, len(cmds)+1)
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
	}
	if _, ok := table["help"]; !ok {
		table["help"] = Command{
			Name:        "help",
			Description: "list commands",
			Usage:       "/help",
			Handle: func(ctx context.Context, req *Request) error {
				return req.ReplyHTML(ctx, r.helpText(req.IsOwner))
			},
		}
	}
	r.mu.Lock()
	r.cmds = table
	r.mu.Unlock()
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[name]
	return c, ok
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx is done or updates is closed. Handlers
// run on the worker pool; Run returns after the pool drained.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			r.worker(c, idx)
			return nil
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
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
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.jobs:
			if !ok {
				return
			}
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

// route parses one update and queues its handler. Plain text and unknown
// commands are ignored.
func (r *Router) route(ctx context.Context, up kit.Update) {
	req, cmd, ok := r.prepare(ctx, up)
	if !ok {
		return
	}
	final := r.wrap(cmd)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.log.Warn("command queue full, dropping", logx.String("cmd", cmd.Name), logx.Int64("from_id", req.FromID))
		_ = req.Reply(ctx, "Busy, please try again in a moment.", nil)
	}
}

// Dispatch handles one update synchronously on the caller's goroutine.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) error {
	req, cmd, ok := r.prepare(ctx, up)
	if !ok {
		return nil
	}
	return r.wrap(cmd)(ctx, req)
}

func (r *Router) wrap(cmd Command) HandlerFunc {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	return Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
}

// prepare resolves the command and access. A denied owner command is
// answered here and reported as not ok.
func (r *Router) prepare(ctx context.Context, up kit.Update) (*Request, Command, bool) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil, Command{}, false
	}
	msg := up.Message
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return nil, Command{}, false
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return nil, Command{}, false
	}
	cmd, ok := r.lookup(word)
	if !ok {
		r.log.Debug("unknown command ignored", logx.String("cmd", word), logx.Int64("from_id", msg.FromID))
		return nil, Command{}, false
	}

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	owner := r.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		r.log.Warn("owner command denied", logx.String("cmd", word), logx.Int64("from_id", msg.FromID))
		_, _ = r.notifier.SendText(ctx, chat, "unauthorized", nil)
		return nil, Command{}, false
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Message:   msg,
		Chat:      chat,
		FromID:    msg.FromID,
		Command:   word,
		Text:      argsText(msg.Text),
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Notifier:  r.notifier,
		IsOwner:   owner,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", word),
		),
	}
	return req, cmd, true
}
