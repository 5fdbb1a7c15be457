package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cupwatch/internal/eventbus"
	"cupwatch/internal/runtime/supervisor"
	"cupwatch/internal/storage"
	"cupwatch/internal/subscription"
	"cupwatch/internal/task/engine"
	"cupwatch/internal/transport"
	"cupwatch/pkg/logx"
)

const (
	defaultQueueSize      = 256
	defaultCommandTimeout = 15 * time.Second
	defaultCheckTimeout   = 4 * time.Minute
	defaultSessionIdle    = 7 * 24 * time.Hour
	defaultCheckWorkers   = 2
	defaultCheckQueue     = 32
	defaultSessionFlush   = 2 * time.Second
	// maxDetachedReplies bounds replies sent off the dispatch loop when the
	// job queue is full.
	maxDetachedReplies = 8
)

// Subscriptions is the part of subscription.Manager the router drives.
type Subscriptions interface {
	Subscribe(ctx context.Context, sess subscription.Session) (subscription.Subscription, error)
	AddFilter(ctx context.Context, sess subscription.Session, text string) (subscription.Subscription, error)
	Cancel(ctx context.Context, sess subscription.Session) (subscription.Subscription, error)
	List(ctx context.Context, userID int64) []subscription.Subscription
	CheckNow(ctx context.Context, sess subscription.Session) (subscription.CheckResult, error)
}

type Config struct {
	// Workers bounds concurrently running command jobs. 0 selects NumCPU
	// (at least 2).
	Workers   int
	QueueSize int
	// CommandTimeout applies to every command except /check.
	CommandTimeout time.Duration
	CheckTimeout   time.Duration
	// ChunkLimit caps the runes per /check reply message.
	ChunkLimit int
	// SessionIdle drops conversations untouched for this long.
	SessionIdle time.Duration
	// CheckWorkers bounds concurrent /check fetches. They run apart from
	// the command workers so a slow fetch never delays other commands.
	CheckWorkers int
	CheckQueue   int
	// SessionFlush is how often changed sessions are written to the
	// session store, when one is set.
	SessionFlush time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = max(2, runtime.NumCPU())
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = defaultCheckTimeout
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = defaultSessionIdle
	}
	if c.CheckWorkers <= 0 {
		c.CheckWorkers = defaultCheckWorkers
	}
	if c.CheckQueue <= 0 {
		c.CheckQueue = defaultCheckQueue
	}
	if c.SessionFlush <= 0 {
		c.SessionFlush = defaultSessionFlush
	}
	return c
}

// Request is what a command handler gets: the message, the caller's session
// as it was when the message was routed, and a request-scoped logger.
type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	// Args is the text after the command word, trimmed.
	Args    string
	Session UserSession
	ReqID   string
	Logger  logx.Logger
}

func (r *Request) logger(def logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return def
}

func (r *Request) key() sessionKey {
	return sessionKey{chatID: r.Chat.ChatID, userID: r.FromID}
}

type Option func(*options)

type options struct {
	bus      eventbus.Bus
	sessions storage.Sessions
}

// WithEventBus publishes /check task events on bus.
func WithEventBus(bus eventbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithSessions restores conversations from st when Run starts and writes
// changes back every Config.SessionFlush.
func WithSessions(st storage.Sessions) Option {
	return func(o *options) { o.sessions = st }
}

// Router turns chat messages into subscription commands. Conversation state
// changes happen on the dispatch loop in message order; anything that talks
// to the store, the fetcher or Telegram runs on a bounded worker pool so a
// slow /check never stalls other chats.
type Router struct {
	cfg  Config
	subs Subscriptions
	out  transport.Sender
	log  logx.Logger

	sessions *sessionStore
	persist  storage.Sessions
	cmds     map[string]Command

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs     chan func()
	checks   *engine.Service
	detached chan struct{}
	busy     atomic.Uint64
	handled  atomic.Uint64
}

func New(cfg Config, subs Subscriptions, out transport.Sender, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "telegram.router"))
	checks := engine.New(engine.Config{
		Workers:   cfg.CheckWorkers,
		QueueSize: cfg.CheckQueue,
	}, log.With(logx.String("pool", "checks")), o.bus)
	r := &Router{
		cfg:      cfg,
		subs:     subs,
		out:      out,
		log:      log,
		sessions: newSessionStore(),
		persist:  o.sessions,
		jobs:     make(chan func(), cfg.QueueSize),
		checks:   checks,
		detached: make(chan struct{}, maxDetachedReplies),
	}
	r.cmds = r.commands()
	return r
}

// Session returns a copy of the conversation state for a user in a chat.
func (r *Router) Session(chatID, userID int64) (UserSession, bool) {
	return r.sessions.get(sessionKey{chatID: chatID, userID: userID})
}

// Sessions is the number of live conversations.
func (r *Router) Sessions() int { return r.sessions.len() }

// Busy counts commands rejected because the job queue was full.
func (r *Router) Busy() uint64 { return r.busy.Load() }

// Handled counts commands that ran to completion.
func (r *Router) Handled() uint64 { return r.handled.Load() }

// Checks describes the /check executor.
func (r *Router) Checks() engine.Snapshot { return r.checks.Snapshot() }

// Supervisor returns the worker pool supervisor while Run is active.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *supervisor.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
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

// Run dispatches updates until ctx is done or updates is closed. It may be
// called once.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.restoreSessions(ctx)
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := range r.cfg.Workers {
		name := "command.worker." + strconv.Itoa(i)
		sup.GoRestart(name, func(c context.Context) error {
			return r.worker(c, i)
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}
	r.checks.Start(sup.Context())
	r.publishMenu(sup)
	pctx, stopPrune := context.WithCancel(sup.Context())
	sup.Go0("sessions.prune", func(context.Context) { r.pruneLoop(pctx) })
	if r.persist != nil {
		sup.Go0("sessions.flush", func(context.Context) { r.flushLoop(pctx) })
	}

	defer func() {
		stopPrune()
		closeJobs()
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = r.checks.Stop(wctx)
		_ = sup.Wait(wctx)
		r.flushSessions(wctx)
		cancel()
		sup.Cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context, idx int) error {
	r.log.Debug("command worker started", logx.Int("worker", idx))
	defer r.log.Debug("command worker stopped", logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-r.jobs:
			if !ok {
				return nil
			}
			if job == nil {
				continue
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

func (r *Router) pruneLoop(ctx context.Context) {
	every := min(r.cfg.SessionIdle, time.Hour)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.sessions.prune(r.cfg.SessionIdle); n > 0 {
				r.log.Debug("idle sessions dropped", logx.Int("count", n))
			}
		}
	}
}

// restoreSessions loads persisted conversations. Sessions idle for longer
// than SessionIdle are dropped again on the first flush.
func (r *Router) restoreSessions(ctx context.Context) {
	if r.persist == nil {
		return
	}
	recs, err := r.persist.LoadSessions(ctx)
	if err != nil {
		r.log.Warn("session restore incomplete", logx.Err(err))
	}
	n := 0
	for _, rec := range recs {
		sess, ok := sessionFromRecord(rec)
		if !ok {
			r.log.Warn("session skipped", logx.Int64("chat", rec.ChatID), logx.Int64("user", rec.UserID), logx.String("state", rec.State))
			continue
		}
		r.sessions.load(sess)
		n++
	}
	pruned := r.sessions.prune(r.cfg.SessionIdle)
	r.log.Info("sessions restored", logx.Int("count", n-pruned), logx.Int("expired", pruned))
}

func (r *Router) flushLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.SessionFlush)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.flushSessions(ctx)
		}
	}
}

// flushSessions writes dirty sessions to the session store. Failed keys stay
// dirty and are retried on the next flush with whatever state they have then.
func (r *Router) flushSessions(ctx context.Context) {
	if r.persist == nil {
		return
	}
	save, drop := r.sessions.takeDirty()
	var failed []error
	for _, sess := range save {
		if err := r.persist.SaveSession(ctx, sess.record()); err != nil {
			r.sessions.markDirty(sessionKey{chatID: sess.ChatID, userID: sess.UserID})
			failed = append(failed, err)
		}
	}
	for _, k := range drop {
		if err := r.persist.DeleteSession(ctx, k.chatID, k.userID); err != nil {
			r.sessions.markDirty(k)
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		r.log.Warn("session flush failed", logx.Int("failed", len(failed)), logx.Err(errors.Join(failed...)))
		return
	}
	if n := len(save) + len(drop); n > 0 {
		r.log.Trace("sessions flushed", logx.Int("saved", len(save)), logx.Int("dropped", len(drop)))
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	key := sessionKey{chatID: msg.ChatID, userID: msg.FromID}

	word, args, isCmd := parseCommand(text)
	if !isCmd && strings.EqualFold(text, doneWord) {
		word, isCmd = "done", true
	}
	if !isCmd {
		r.step(ctx, up, chat, key, text)
		return
	}

	cmd, ok := r.cmds[word]
	if !ok {
		r.replyAsync(ctx, chat, msgUnknownCommand, nil)
		return
	}
	sess, _ := r.sessions.get(key)
	if cmd.NeedsIdentity && !sess.Ready() {
		r.replyAsync(ctx, chat, msgStartFirst, nil)
		return
	}
	if cmd.Prepare != nil {
		sess = cmd.Prepare(r, key, args)
	}
	sess.ThreadID = msg.ThreadID
	r.enqueue(ctx, up, chat, cmd, args, sess)
}

// step handles a free-text message: it is the answer to whatever the
// conversation asked last.
func (r *Router) step(ctx context.Context, up transport.Update, chat transport.ChatTarget, key sessionKey, text string) {
	sess, _ := r.sessions.get(key)
	switch sess.State {
	case StateAwaitSubject:
		r.sessions.update(key, func(s *UserSession) {
			s.SubjectID = subscription.NormalizeIdentifier(text)
			s.ThreadID = chat.ThreadID
			s.State = StateAwaitRequest
		})
		r.replyAsync(ctx, chat, msgAskRequest, nil)
	case StateAwaitRequest:
		r.sessions.update(key, func(s *UserSession) {
			s.RequestID = subscription.NormalizeIdentifier(text)
			s.ThreadID = chat.ThreadID
			s.State = StateCommand
		})
		r.replyAsync(ctx, chat, msgReady, &transport.SendOptions{Keyboard: Keyboard()})
	case StateAwaitFilter:
		sess = r.sessions.update(key, func(s *UserSession) { s.State = StateCommand })
		sess.ThreadID = chat.ThreadID
		r.enqueue(ctx, up, chat, r.filterText(), text, sess)
	case StateCommand:
		r.replyAsync(ctx, chat, msgUseKeyboard, nil)
	default:
		r.replyAsync(ctx, chat, msgStartFirst, nil)
	}
}

func (r *Router) enqueue(root context.Context, up transport.Update, chat transport.ChatTarget, cmd Command, args string, sess UserSession) {
	rid := uuid.NewString()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  up.Message.FromID,
		Command: cmd.Name,
		Args:    args,
		Session: sess,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", up.Message.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	if cmd.Slow {
		r.enqueueSlow(root, chat, req, final)
		return
	}
	if !r.tryEnqueue(func() {
		_ = final(root, req)
		r.handled.Add(1)
	}) {
		r.busy.Add(1)
		r.replyDetached(root, chat, msgBusy)
	}
}

// enqueueSlow hands a fetching command to the check executor. One check per
// user and chat may be queued or running at a time.
func (r *Router) enqueueSlow(root context.Context, chat transport.ChatTarget, req *Request, final HandlerFunc) {
	err := r.checks.Enqueue(engine.Task{
		ID:   req.ReqID,
		Name: "command." + req.Command,
		Key:  strconv.FormatInt(chat.ChatID, 10) + ":" + strconv.FormatInt(req.FromID, 10),
		Run: func(ctx context.Context) error {
			defer r.handled.Add(1)
			return final(ctx, req)
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		r.replyAsync(root, chat, msgCheckRunning, nil)
	default:
		r.busy.Add(1)
		r.replyDetached(root, chat, msgBusy)
	}
}

// replyAsync sends a plain reply from the worker pool so the dispatch loop
// never waits on Telegram.
func (r *Router) replyAsync(ctx context.Context, chat transport.ChatTarget, text string, opt *transport.SendOptions) {
	if !r.tryEnqueue(func() { r.sendNow(ctx, chat, text, opt) }) {
		r.busy.Add(1)
	}
}

// replyDetached sends text without waiting, for when the job queue is full.
// At most maxDetachedReplies are in flight; beyond that the reply is dropped.
func (r *Router) replyDetached(ctx context.Context, chat transport.ChatTarget, text string) {
	select {
	case r.detached <- struct{}{}:
	default:
		r.log.Warn("reply dropped: too many pending", logx.Int64("chat_id", chat.ChatID))
		return
	}
	send := func(context.Context) {
		defer func() { <-r.detached }()
		r.sendNow(ctx, chat, text, nil)
	}
	if sup := r.Supervisor(); sup != nil {
		sup.Go0("reply.detached", send)
		return
	}
	go send(ctx)
}

func (r *Router) sendNow(ctx context.Context, chat transport.ChatTarget, text string, opt *transport.SendOptions) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	if _, err := r.out.SendText(sctx, chat, text, opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
}

// parseCommand splits "/word@bot rest" into ("word", "rest", true).
func parseCommand(text string) (word, args string, ok bool) {
	rest, ok := strings.CutPrefix(text, "/")
	if !ok {
		return "", "", false
	}
	word, args, _ = strings.Cut(rest, " ")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(args), true
}
