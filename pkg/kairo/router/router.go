// Package router is the entry point for every inbound message and internal
// trigger. It deduplicates, normalizes the sender, records the audit trail,
// dispatches "/" commands, welcomes new users and hands everything else to
// the agent.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/kairo/pkg/kairo/agent"
	"github.com/jholhewres/kairo/pkg/kairo/bridge"
	"github.com/jholhewres/kairo/pkg/kairo/dedup"
	"github.com/jholhewres/kairo/pkg/kairo/metrics"
	"github.com/jholhewres/kairo/pkg/kairo/resources"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// Agent runs one turn and returns the reply, empty for none.
type Agent interface {
	Run(ctx context.Context, userID string, in agent.Input) string
}

// Sender delivers a reply to a user and records it.
type Sender interface {
	Send(ctx context.Context, userID, text string) error
}

// Config wires a Router.
type Config struct {
	State   *agent.State
	Agent   Agent
	Sender  Sender
	Items   *store.ItemStore
	Turns   *store.TurnLog
	Catalog *resources.Catalog
	Dedup   *dedup.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// SerializePerUser runs at most one turn per user at a time.
	SerializePerUser bool
}

// Router dispatches inbound messages and triggers.
type Router struct {
	state     *agent.State
	agent     Agent
	sender    Sender
	items     *store.ItemStore
	turns     *store.TurnLog
	catalog   *resources.Catalog
	dedup     *dedup.Cache
	metrics   *metrics.Metrics
	logger    *slog.Logger
	serialize bool

	locksMu sync.Mutex
	locks   map[string]*userLock
}

// userLock is dropped from the map once nobody holds or waits on it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := cfg.Dedup
	if d == nil {
		d = dedup.New(dedup.DefaultWindow)
	}
	return &Router{
		state:     cfg.State,
		agent:     cfg.Agent,
		sender:    cfg.Sender,
		items:     cfg.Items,
		turns:     cfg.Turns,
		catalog:   cfg.Catalog,
		dedup:     d,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "router"),
		serialize: cfg.SerializePerUser,
		locks:     make(map[string]*userLock),
	}
}

// HandleIncoming processes one inbound message to completion.
func (r *Router) HandleIncoming(ctx context.Context, msg bridge.Inbound) {
	if !r.dedup.ShouldProcess(msg.MessageID) {
		r.metrics.DuplicateDropped()
		r.logger.Info("dropping duplicate message", "message_id", msg.MessageID)
		return
	}

	userID := bridge.DigitsOnly(msg.UserID)
	if userID == "" {
		r.logger.Warn("dropping message with unusable sender", "raw_user", msg.UserID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.logger.Debug("dropping empty message", "user", userID)
		return
	}

	unlock := r.lockUser(userID)
	defer unlock()

	lang := r.catalog.DefaultLanguage()
	defer r.recoverTurn(ctx, userID, &lang)

	r.record(ctx, userID, store.RoleUser, store.KindUserText, text)

	if IsCommand(text) {
		res := r.handleCommand(ctx, userID, text)
		if res.Trigger != "" {
			r.runTrigger(ctx, userID, res.Trigger)
			return
		}
		r.send(ctx, userID, res.Reply)
		return
	}

	prefs, err := r.state.Preferences(ctx, userID)
	if err != nil {
		r.logger.Error("failed to load preferences", "user", userID, "error", err)
		r.send(ctx, userID, r.catalog.Message(resources.MsgGenericError, lang))
		return
	}
	if prefs.Language != "" {
		lang = prefs.Language
	}

	if prefs.Status == store.UserNew {
		r.send(ctx, userID, r.catalog.Message(resources.MsgWelcome, lang))
		if err := r.state.Advance(ctx, userID, store.UserOnboarding); err != nil {
			r.logger.Error("failed to start onboarding", "user", userID, "error", err)
		}
		return
	}

	if reply := r.agent.Run(ctx, userID, agent.UserText(text)); reply != "" {
		r.send(ctx, userID, reply)
	}
}

// HandleTrigger runs an internal trigger event for an active user.
func (r *Router) HandleTrigger(ctx context.Context, userID, kind string) {
	unlock := r.lockUser(userID)
	defer unlock()

	lang := r.catalog.DefaultLanguage()
	defer r.recoverTurn(ctx, userID, &lang)

	r.runTrigger(ctx, userID, kind)
}

func (r *Router) runTrigger(ctx context.Context, userID, kind string) {
	prefs, ok := r.state.Lookup(userID)
	if !ok || prefs.Status != store.UserActive {
		r.logger.Info("skipping trigger for inactive user", "user", userID, "trigger", kind)
		return
	}

	in := agent.Trigger(kind)
	r.metrics.TriggerRaised(kind)
	r.record(ctx, userID, store.RoleUser, store.KindTrigger, in.Message())

	if reply := r.agent.Run(ctx, userID, in); reply != "" {
		r.send(ctx, userID, reply)
	}
}

// recoverTurn turns a panic anywhere in a turn into the fallback message.
func (r *Router) recoverTurn(ctx context.Context, userID string, lang *string) {
	if rec := recover(); rec != nil {
		r.logger.Error("turn panicked", "user", userID, "panic", rec)
		r.send(ctx, userID, r.catalog.Message(resources.MsgGenericError, *lang))
	}
}

func (r *Router) send(ctx context.Context, userID, text string) {
	if err := r.sender.Send(ctx, userID, text); err != nil {
		r.logger.Error("failed to send reply", "user", userID, "error", err)
	}
}

func (r *Router) record(ctx context.Context, userID string, role store.Role, kind store.Kind, content string) {
	if r.turns == nil {
		return
	}
	if err := r.turns.Append(ctx, userID, role, kind, content); err != nil {
		r.logger.Error("failed to record turn", "user", userID, "kind", kind, "error", err)
	}
}

// lockUser serializes turns for userID when enabled.
func (r *Router) lockUser(userID string) func() {
	if !r.serialize {
		return func() {}
	}
	r.locksMu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, userID)
		}
		r.locksMu.Unlock()
	}
}

// lockedUsers reports how many users currently have a lock entry.
func (r *Router) lockedUsers() int {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	return len(r.locks)
}
