// Package scheduler runs Kairo's background loop: daily rituals fired at each
// user's local check-in times, and time-based reminders.
// Uses robfig/cron to drive two independent scan jobs on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/kairo/pkg/kairo/agent"
	"github.com/jholhewres/kairo/pkg/kairo/metrics"
	"github.com/jholhewres/kairo/pkg/kairo/resources"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// Job names.
const (
	JobRituals   = "ritual_scan"
	JobReminders = "reminder_scan"
)

const (
	defaultInterval   = "@every 1m"
	defaultLookahead  = time.Minute
	defaultJobTimeout = 50 * time.Second
	stopTimeout       = 10 * time.Second
)

// PreferenceStore is the view of user preferences the scans need.
type PreferenceStore interface {
	All() map[string]store.Preferences
	Merge(ctx context.Context, userID string, updates map[string]any) (store.Preferences, error)
}

// ItemStore lists and updates reminder items.
type ItemStore interface {
	List(ctx context.Context, f store.ItemFilter) ([]store.Item, error)
	Upsert(ctx context.Context, it *store.Item) error
}

// TriggerHandler runs a ritual turn for a user.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, userID, kind string)
}

// Sender delivers reminder notifications.
type Sender interface {
	Send(ctx context.Context, userID, text string) error
}

// Config wires a Scheduler.
type Config struct {
	// Interval is a cron spec or descriptor; "@every 1m" when empty.
	Interval          string
	ReminderLookahead time.Duration
	JobTimeout        time.Duration

	Preferences PreferenceStore
	Items       ItemStore
	Triggers    TriggerHandler
	Sender      Sender
	Catalog     *resources.Catalog
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Scheduler owns the cron loop.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	// runningJobs prevents a tick from starting while the previous run of the
	// same job is still active.
	mu          sync.Mutex
	runningJobs map[string]bool

	// turns tracks ritual turns dispatched by RitualScan. They run on the
	// scheduler context, outside the scan's JobTimeout.
	turns sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin ticking.
func New(cfg Config) *Scheduler {
	if cfg.Interval == "" {
		cfg.Interval = defaultInterval
	}
	if cfg.ReminderLookahead <= 0 {
		cfg.ReminderLookahead = defaultLookahead
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:         cfg,
		logger:      logger.With("component", "scheduler"),
		now:         time.Now,
		runningJobs: make(map[string]bool),
	}
}

// Start registers both scan jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(cron.NewParser(
			cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
	)

	jobs := map[string]func(context.Context, time.Time){
		JobRituals:   s.RitualScan,
		JobReminders: s.ReminderScan,
	}
	for name, scan := range jobs {
		name, scan := name, scan
		if _, err := s.cron.AddFunc(s.cfg.Interval, func() { s.runJob(name, scan) }); err != nil {
			s.cancel()
			return fmt.Errorf("schedule %s (%q): %w", name, s.cfg.Interval, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"reminder_lookahead", s.cfg.ReminderLookahead,
		"cron_entries", len(s.cron.Entries()),
	)
	return nil
}

// Stop halts the loop and waits briefly for running scans and ritual turns.
// Turns still running at the deadline are cancelled.
func (s *Scheduler) Stop() {
	deadline := time.After(stopTimeout)
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-deadline:
			s.logger.Warn("scheduler stop timed out")
		}
	}

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		s.logger.Warn("cancelling ritual turns still running")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every dispatched ritual turn has returned.
func (s *Scheduler) Wait() {
	s.turns.Wait()
}

// runJob executes one scan with an overlap guard, a timeout and panic
// recovery. A failed job is logged and never stops the loop.
func (s *Scheduler) runJob(name string, scan func(context.Context, time.Time)) {
	s.mu.Lock()
	if s.runningJobs[name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "job", name)
		return
	}
	s.runningJobs[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, name)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "job", name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	scan(ctx, s.now())
	s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
}

// RitualScan raises the morning and evening triggers that are due at now.
func (s *Scheduler) RitualScan(ctx context.Context, now time.Time) {
	prefs := s.cfg.Preferences.All()
	for _, userID := range sortedUsers(prefs) {
		if ctx.Err() != nil {
			s.logger.Warn("ritual scan interrupted", "error", ctx.Err())
			return
		}
		s.isolate(JobRituals, userID, func() {
			s.ritualsForUser(ctx, userID, prefs[userID], now)
		})
	}
}

type ritual struct {
	kind    string
	at      string
	last    string
	lastKey string
}

func (s *Scheduler) ritualsForUser(ctx context.Context, userID string, p store.Preferences, now time.Time) {
	if p.Status != store.UserActive || p.Timezone == "" {
		return
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		s.logger.Warn("skipping user with invalid timezone", "user", userID, "timezone", p.Timezone)
		return
	}

	local := now.In(loc)
	if !containsDay(p.RitualDays, local.Weekday()) {
		return
	}
	clock := local.Format("15:04")
	today := local.Format("2006-01-02")

	for _, r := range []ritual{
		{agent.TriggerMorning, p.MorningMusterTime, p.LastMorningTriggerDate, "last_morning_trigger_date"},
		{agent.TriggerEvening, p.EveningReflectionTime, p.LastEveningTriggerDate, "last_evening_trigger_date"},
	} {
		if !sameClock(r.at, clock) || r.last == today {
			continue
		}
		// Record the date first: a ritual fires at most once per local day.
		if _, err := s.cfg.Preferences.Merge(ctx, userID, map[string]any{r.lastKey: today}); err != nil {
			s.logger.Error("failed to record ritual date", "user", userID, "ritual", r.kind, "error", err)
			continue
		}
		s.logger.Info("firing ritual", "user", userID, "ritual", r.kind, "local_time", clock)
		s.dispatch(userID, r.kind)
	}
}

// dispatch runs a ritual turn in the background so a slow model call never
// holds up the scan of the remaining users.
func (s *Scheduler) dispatch(userID, kind string) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("ritual turn panicked", "user", userID, "ritual", kind, "panic", r)
			}
		}()
		s.cfg.Triggers.HandleTrigger(ctx, userID, kind)
	}()
}

// ReminderScan delivers every pending reminder due by now plus the lookahead
// and marks each completed once sent.
func (s *Scheduler) ReminderScan(ctx context.Context, now time.Time) {
	prefs := s.cfg.Preferences.All()
	horizon := now.Add(s.cfg.ReminderLookahead)
	for _, userID := range sortedUsers(prefs) {
		if ctx.Err() != nil {
			s.logger.Warn("reminder scan interrupted", "error", ctx.Err())
			return
		}
		p := prefs[userID]
		if p.Status != store.UserActive {
			continue
		}
		s.isolate(JobReminders, userID, func() {
			s.remindersForUser(ctx, userID, p, horizon)
		})
	}
}

func (s *Scheduler) remindersForUser(ctx context.Context, userID string, p store.Preferences, horizon time.Time) {
	items, err := s.cfg.Items.List(ctx, store.ItemFilter{
		UserID:   userID,
		Type:     store.TypeReminder,
		Statuses: []store.Status{store.StatusNew},
	})
	if err != nil {
		s.logger.Error("failed to list reminders", "user", userID, "error", err)
		return
	}

	for i := range items {
		it := &items[i]
		due, err := time.Parse(time.RFC3339, it.RemindAt)
		if err != nil {
			s.logger.Warn("skipping reminder with unparseable time",
				"user", userID, "item", it.ID, "remind_at", it.RemindAt)
			continue
		}
		if due.After(horizon) {
			continue
		}

		text := s.cfg.Catalog.Format(resources.MsgReminder, p.Language, map[string]string{
			"description": it.Description,
		})
		if err := s.cfg.Sender.Send(ctx, userID, text); err != nil {
			s.logger.Error("failed to deliver reminder", "user", userID, "item", it.ID, "error", err)
			continue
		}
		s.cfg.Metrics.TriggerRaised("reminder")

		it.Status = store.StatusCompleted
		it.UpdatedAt = time.Now().UTC()
		if err := s.cfg.Items.Upsert(ctx, it); err != nil {
			s.logger.Error("failed to complete reminder", "user", userID, "item", it.ID, "error", err)
		}
	}
}

// isolate runs fn for one user, containing any panic.
func (s *Scheduler) isolate(job, userID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scan failed for user", "job", job, "user", userID, "panic", r)
		}
	}()
	fn()
}

func sortedUsers(prefs map[string]store.Preferences) []string {
	ids := make([]string, 0, len(prefs))
	for id := range prefs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func containsDay(days []string, wd time.Weekday) bool {
	name := wd.String()
	for _, d := range days {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}

// sameClock compares a configured HH:MM (single-digit hours allowed) with a
// formatted local clock.
func sameClock(configured, clock string) bool {
	t, err := time.Parse("15:04", strings.TrimSpace(configured))
	if err != nil {
		return false
	}
	return t.Format("15:04") == clock
}
