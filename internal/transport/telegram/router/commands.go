package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cupwatch/internal/notifier"
	"cupwatch/internal/subscription"
	"cupwatch/internal/transport"
	"cupwatch/pkg/logx"
)

// doneWord ends the conversation like /done does; it is the keyboard's last row.
const doneWord = "done"

const (
	msgIntro          = "With this bot you can watch booking availability and get notified when slots show up."
	msgAskSubject     = "Send me the subject id."
	msgAskRequest     = "Now send the request id."
	msgReady          = "Perfect. Pick a command."
	msgStartFirst     = "Send /start to begin."
	msgUseKeyboard    = "Pick a command from the keyboard, or send /done to finish."
	msgUnknownCommand = "Unknown command. Try /help"
	msgBusy           = "Busy, try again in a moment."
	msgCheckRunning   = "A check is already running, wait for its result."
	msgGoodbye        = "Goodbye"
	msgFetching       = "Fetching availability..."
	msgAvailability   = "Here is the availability:"
	msgNoAvailability = "No availability"
	msgSubscribed     = "Subscription added"
	msgDuplicate      = "Subscription already exists, cancel it first"
	msgNotFound       = "Subscription not found"
	msgCanceled       = "Subscription canceled"
	msgFilterPrompt   = "Send the filter you want to add.\nA subscription notifies you only when at least one of its filter words appears (case insensitive)."
	msgFilterAdded    = "Filter added"
	msgEmptyFilter    = "The filter is empty."
	msgNoSubs         = "No subscriptions"
	msgInternalError  = "Internal error:\n"
)

// Command is one slash command of the conversation.
type Command struct {
	Name        string
	Description string
	// NeedsIdentity rejects the command until subject and request are known.
	NeedsIdentity bool
	// Menu publishes the command in the Telegram command menu.
	Menu bool
	// Slow commands wait on the fetcher and run on the check executor.
	Slow    bool
	Timeout time.Duration
	// Prepare runs on the dispatch loop, in message order, and may move the
	// conversation state. It returns the session the handler will see.
	Prepare func(r *Router, key sessionKey, args string) UserSession
	Handle  HandlerFunc
}

// Keyboard is the reply keyboard shown once the conversation is ready.
func Keyboard() [][]string {
	return [][]string{
		{"/check", "/subscribe"},
		{"/filter", "/cancel", "/list"},
		{doneWord},
	}
}

func (r *Router) commands() map[string]Command {
	cmds := []Command{
		{
			Name:        "start",
			Description: "start a conversation",
			Menu:        true,
			Prepare: func(r *Router, key sessionKey, _ string) UserSession {
				return r.sessions.update(key, func(s *UserSession) {
					s.SubjectID, s.RequestID = "", ""
					s.State = StateAwaitSubject
				})
			},
			Handle: r.handleStart,
		},
		{
			Name:          "check",
			Description:   "show availability now",
			NeedsIdentity: true,
			Menu:          true,
			Slow:          true,
			Timeout:       r.cfg.CheckTimeout,
			Prepare:       toCommandState,
			Handle:        r.handleCheck,
		},
		{
			Name:          "subscribe",
			Description:   "get notified about availability",
			NeedsIdentity: true,
			Menu:          true,
			Prepare:       toCommandState,
			Handle:        r.handleSubscribe,
		},
		{
			Name:          "filter",
			Description:   "add a filter word to the subscription",
			NeedsIdentity: true,
			Menu:          true,
			Prepare: func(r *Router, key sessionKey, args string) UserSession {
				next := StateCommand
				if args == "" {
					next = StateAwaitFilter
				}
				return r.sessions.update(key, func(s *UserSession) { s.State = next })
			},
			Handle: r.handleFilter,
		},
		{
			Name:          "cancel",
			Description:   "cancel the subscription",
			NeedsIdentity: true,
			Menu:          true,
			Prepare:       toCommandState,
			Handle:        r.handleCancel,
		},
		{
			Name:        "list",
			Description: "list your subscriptions",
			Menu:        true,
			Handle:      r.handleList,
		},
		{
			Name:        "done",
			Description: "end the conversation",
			Menu:        true,
			Prepare: func(r *Router, key sessionKey, _ string) UserSession {
				sess, _ := r.sessions.get(key)
				r.sessions.drop(key)
				return sess
			},
			Handle: r.handleDone,
		},
		{
			Name:        "help",
			Description: "show commands",
			Menu:        true,
			Handle:      r.handleHelp,
		},
	}
	out := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		out[c.Name] = c
	}
	return out
}

func toCommandState(r *Router, key sessionKey, _ string) UserSession {
	return r.sessions.update(key, func(s *UserSession) { s.State = StateCommand })
}

// filterText is the handler for the free-text answer to a bare /filter.
func (r *Router) filterText() Command {
	return Command{Name: "filter", Handle: r.handleFilter}
}

func (r *Router) reply(ctx context.Context, req *Request, text string, opt *transport.SendOptions) error {
	_, err := r.out.SendText(ctx, req.Chat, text, opt)
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString(msgIntro)
	if subs := r.subs.List(ctx, req.FromID); len(subs) > 0 {
		fmt.Fprintf(&b, "\nYou have %d active subscription(s), see /list.", len(subs))
	}
	b.WriteString("\n")
	b.WriteString(msgAskSubject)
	return r.reply(ctx, req, b.String(), &transport.SendOptions{RemoveKeyboard: true})
}

func (r *Router) handleCheck(ctx context.Context, req *Request) error {
	if err := r.reply(ctx, req, msgFetching, nil); err != nil {
		return err
	}
	res, err := r.subs.CheckNow(ctx, req.Session.Session())
	if err != nil {
		return r.failed(ctx, req, err)
	}
	if len(res.Lines) == 0 {
		return r.reply(ctx, req, msgNoAvailability, nil)
	}
	var errs []error
	for _, chunk := range notifier.Chunk(msgAvailability, res.Lines, r.cfg.ChunkLimit) {
		if err := r.reply(ctx, req, chunk, nil); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Router) handleSubscribe(ctx context.Context, req *Request) error {
	_, err := r.subs.Subscribe(ctx, req.Session.Session())
	switch {
	case err == nil:
		return r.reply(ctx, req, msgSubscribed, nil)
	case errors.Is(err, subscription.ErrDuplicateSubscription):
		return r.reply(ctx, req, msgDuplicate, nil)
	default:
		return r.failed(ctx, req, err)
	}
}

// handleFilter adds Args as a filter. Without Args it checks that there is a
// subscription to filter and asks for the text.
func (r *Router) handleFilter(ctx context.Context, req *Request) error {
	sess := req.Session.Session()
	if req.Args == "" {
		if !r.hasSubscription(ctx, sess) {
			r.sessions.transition(req.key(), StateAwaitFilter, StateCommand)
			return r.reply(ctx, req, msgNotFound, nil)
		}
		return r.reply(ctx, req, msgFilterPrompt, nil)
	}
	_, err := r.subs.AddFilter(ctx, sess, req.Args)
	switch {
	case err == nil:
		return r.reply(ctx, req, msgFilterAdded, nil)
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		return r.reply(ctx, req, msgNotFound, nil)
	case errors.Is(err, subscription.ErrEmptyFilter):
		return r.reply(ctx, req, msgEmptyFilter, nil)
	default:
		return r.failed(ctx, req, err)
	}
}

func (r *Router) hasSubscription(ctx context.Context, sess subscription.Session) bool {
	id := sess.ID()
	for _, sub := range r.subs.List(ctx, sess.UserID) {
		if sub.ID == id {
			return true
		}
	}
	return false
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	_, err := r.subs.Cancel(ctx, req.Session.Session())
	switch {
	case err == nil:
		return r.reply(ctx, req, msgCanceled, nil)
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		return r.reply(ctx, req, msgNotFound, nil)
	default:
		return r.failed(ctx, req, err)
	}
}

func (r *Router) handleList(ctx context.Context, req *Request) error {
	return r.reply(ctx, req, FormatList(r.subs.List(ctx, req.FromID)), nil)
}

func (r *Router) handleDone(ctx context.Context, req *Request) error {
	return r.reply(ctx, req, msgGoodbye, &transport.SendOptions{RemoveKeyboard: true})
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.menu() {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
	}
	return r.reply(ctx, req, b.String(), &transport.SendOptions{DisablePreview: true})
}

// failed reports an unexpected error to the user. The reply gets its own
// deadline so a timed-out command can still say so.
func (r *Router) failed(ctx context.Context, req *Request, err error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CommandTimeout)
	defer cancel()
	if rerr := r.reply(sctx, req, msgInternalError+err.Error(), nil); rerr != nil {
		req.logger(r.log).Warn("error reply failed", logx.Err(rerr))
	}
	return err
}

// FormatList renders a user's subscriptions, numbered from 0 in insertion
// order:
//
//	[0] SUBJ REQ f:[a,b]
func FormatList(subs []subscription.Subscription) string {
	if len(subs) == 0 {
		return msgNoSubs
	}
	var b strings.Builder
	b.WriteString("Subscriptions:\n")
	for i, s := range subs {
		fmt.Fprintf(&b, "[%d] %s %s ", i, s.ID.SubjectID, s.ID.RequestID)
		if len(s.Filters) > 0 {
			fmt.Fprintf(&b, "f:[%s]", strings.Join(s.Filters, ","))
		}
		b.WriteString("\n")
	}
	return b.String()
}
