package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/agent"
	"github.com/jholhewres/kairo/pkg/kairo/bridge"
	"github.com/jholhewres/kairo/pkg/kairo/dedup"
	"github.com/jholhewres/kairo/pkg/kairo/llm"
	"github.com/jholhewres/kairo/pkg/kairo/resources"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

const user = "972501234567"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() *resources.Catalog {
	return resources.New(
		map[string]string{
			resources.PromptOnboarding: "ONBOARDING",
			resources.PromptAgent:      "AGENT",
		},
		map[string]map[string]string{
			resources.MsgGenericError: {"en": "generic error"},
			resources.MsgWelcome:      {"en": "welcome!", "he": "ברוך הבא!"},
			resources.MsgHelp:         {"en": "help text"},
		},
		"en",
	)
}

// fakeAgent records calls and returns a fixed reply.
type fakeAgent struct {
	mu     sync.Mutex
	inputs []agent.Input
	reply  string
	panics bool
}

func (f *fakeAgent) Run(_ context.Context, _ string, in agent.Input) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.panics {
		panic("boom")
	}
	return f.reply
}

func (f *fakeAgent) calls() []agent.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Input(nil), f.inputs...)
}

type fixture struct {
	store  *store.Store
	state  *agent.State
	queue  *bridge.QueueBridge
	router *Router
}

func newFixture(t *testing.T, a Agent) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "kairo.db"), quietLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	state := agent.NewState(s, 10, quietLogger())
	queue := bridge.NewCLI(s.Outbox, nil, quietLogger())
	r := New(Config{
		State:            state,
		Agent:            a,
		Sender:           bridge.NewMessenger(queue, s.Turns, nil, quietLogger()),
		Items:            s.Items,
		Turns:            s.Turns,
		Catalog:          testCatalog(),
		Dedup:            dedup.New(30 * time.Second),
		Logger:           quietLogger(),
		SerializePerUser: true,
	})
	return &fixture{store: s, state: state, queue: queue, router: r}
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	if err := f.state.Advance(context.Background(), user, store.UserActive); err != nil {
		t.Fatalf("Advance: %v", err)
	}
}

func (f *fixture) sent() []string {
	var out []string
	for _, e := range f.queue.Drain() {
		out = append(out, e.Message)
	}
	return out
}

func (f *fixture) turnsOfKind(t *testing.T, kind store.Kind) int {
	t.Helper()
	turns, err := f.store.Turns.ForUser(context.Background(), user)
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	n := 0
	for _, tr := range turns {
		if tr.Kind == kind {
			n++
		}
	}
	return n
}

func TestDuplicateMessageProcessedOnce(t *testing.T) {
	t.Parallel()
	a := &fakeAgent{reply: "hi there"}
	f := newFixture(t, a)
	f.activate(t)
	ctx := context.Background()

	msg := bridge.Inbound{UserID: user, Text: "hello", MessageID: "wamid-1"}
	f.router.HandleIncoming(ctx, msg)
	f.router.HandleIncoming(ctx, msg)

	if n := len(a.calls()); n != 1 {
		t.Errorf("agent runs = %d, want 1", n)
	}
	if n := f.turnsOfKind(t, store.KindUserText); n != 1 {
		t.Errorf("user_text turns = %d, want 1", n)
	}
	if sent := f.sent(); len(sent) != 1 || sent[0] != "hi there" {
		t.Errorf("sent = %q, want [hi there]", sent)
	}
	if n := f.turnsOfKind(t, store.KindAgentText); n != 1 {
		t.Errorf("agent_text_response turns = %d, want 1", n)
	}
}

func TestMessagesWithoutIDAreNotDeduplicated(t *testing.T) {
	t.Parallel()
	a := &fakeAgent{reply: "ok"}
	f := newFixture(t, a)
	f.activate(t)

	for i := 0; i < 2; i++ {
		f.router.HandleIncoming(context.Background(), bridge.Inbound{UserID: user, Text: "same"})
	}
	if n := len(a.calls()); n != 2 {
		t.Errorf("agent runs = %d, want 2", n)
	}
}

func TestSenderNormalization(t *testing.T) {
	t.Parallel()
	a := &fakeAgent{reply: "ok"}
	f := newFixture(t, a)
	f.activate(t)
	ctx := context.Background()

	f.router.HandleIncoming(ctx, bridge.Inbound{UserID: "whatsapp:+972-50-123-4567", Text: "hi"})
	if n := len(a.calls()); n != 1 {
		t.Fatalf("agent runs = %d, want 1", n)
	}
	if n := f.turnsOfKind(t, store.KindUserText); n != 1 {
		t.Errorf("user_text turns for normalized id = %d, want 1", n)
	}

	f.router.HandleIncoming(ctx, bridge.Inbound{UserID: "no-digits", Text: "hi"})
	f.router.HandleIncoming(ctx, bridge.Inbound{UserID: user, Text: "   "})
	if n := len(a.calls()); n != 1 {
		t.Errorf("agent runs after dropped messages = %d, want 1", n)
	}
}

func TestOnboardingFlow(t *testing.T) {
	t.Parallel()
	model := &fakeModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: agent.ToolUpdateUserPreferences, Arguments: `{"name":"Dana","timezone":"Asia/Jerusalem"}`},
			{ID: "c2", Name: agent.ToolFinalizeOnboarding, Arguments: `{}`},
		}},
		{Content: "All set, Dana!"},
		{Content: "What's next?"},
	}}

	s, err := store.Open(filepath.Join(t.TempDir(), "kairo.db"), quietLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()
	state := agent.NewState(s, 10, quietLogger())
	orch := agent.NewOrchestrator(agent.OrchestratorConfig{
		State: state, Model: model, Catalog: testCatalog(),
		Turns: s.Turns, Activity: s.Activity, Logger: quietLogger(),
	})
	queue := bridge.NewCLI(nil, nil, quietLogger())
	r := New(Config{
		State: state, Agent: orch, Sender: bridge.NewMessenger(queue, s.Turns, nil, quietLogger()),
		Items: s.Items, Turns: s.Turns, Catalog: testCatalog(), Logger: quietLogger(),
	})
	ctx := context.Background()

	r.HandleIncoming(ctx, bridge.Inbound{UserID: user, Text: "hello", MessageID: "m1"})
	if got := queue.Drain(); len(got) != 1 || got[0].Message != "welcome!" {
		t.Fatalf("after hello sent = %+v, want welcome", got)
	}
	if p, _ := state.Lookup(user); p.Status != store.UserOnboarding {
		t.Fatalf("status = %q, want onboarding", p.Status)
	}
	if n := len(model.calls()); n != 0 {
		t.Fatalf("model called %d times for welcome", n)
	}

	r.HandleIncoming(ctx, bridge.Inbound{UserID: user, Text: "I'm Dana from Tel Aviv", MessageID: "m2"})
	calls := model.calls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(calls))
	}
	if !strings.HasPrefix(calls[0].System, "ONBOARDING") {
		t.Errorf("onboarding turn used prompt %q", calls[0].System)
	}
	p, _ := state.Lookup(user)
	if p.Status != store.UserActive || p.Name != "Dana" {
		t.Fatalf("prefs = %+v, want active Dana", p)
	}

	r.HandleIncoming(ctx, bridge.Inbound{UserID: user, Text: "thanks", MessageID: "m3"})
	calls = model.calls()
	if len(calls) != 3 {
		t.Fatalf("model calls = %d, want 3", len(calls))
	}
	if !strings.HasPrefix(calls[2].System, "AGENT") {
		t.Errorf("active turn used prompt %q", calls[2].System)
	}

	sent := queue.Drain()
	if len(sent) != 3 || sent[1].Message != "All set, Dana!" || sent[2].Message != "What's next?" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	a := &fakeAgent{reply: "good morning"}
	f := newFixture(t, a)
	f.activate(t)
	ctx := context.Background()

	send := func(text string) string {
		t.Helper()
		before := len(f.sent())
		f.router.HandleIncoming(ctx, bridge.Inbound{UserID: user, Text: text})
		sent := f.sent()
		if len(sent) != before+1 {
			t.Fatalf("%s: sent %d messages, want 1", text, len(sent)-before)
		}
		return sent[len(sent)-1]
	}

	if got := send("/help"); got != "help text" {
		t.Errorf("/help = %q", got)
	}
	if got, want := send("/list"), "No items found with status 'active'."; got != want {
		t.Errorf("/list = %q, want %q", got, want)
	}

	for _, it := range []*store.Item{
		{ID: "a", UserID: user, Type: store.TypeTask, Status: store.StatusNew, Description: "write report"},
		{ID: "b", UserID: user, Type: store.TypeTask, Status: store.StatusCompleted, Description: "old"},
		{ID: "c", UserID: user, Type: store.TypeTask, Status: store.StatusDeleted, Description: "gone"},
	} {
		if err := f.store.Items.Upsert(ctx, it); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	if got, want := send("/list"), "Items with status 'active':\n---\n(task) write report"; got != want {
		t.Errorf("/list = %q, want %q", got, want)
	}
	if got, want := send("/LIST completed"), "Items with status 'completed':\n---\n(task) old"; got != want {
		t.Errorf("/list completed = %q, want %q", got, want)
	}
	if got := send("/memory"); !strings.HasPrefix(got, "Agent Memory Summary:") || !strings.Contains(got, "write report") {
		t.Errorf("/memory = %q", got)
	}
	if got, want := send("/clear"), "Marked 2 item(s) as 'deleted'."; got != want {
		t.Errorf("/clear = %q, want %q", got, want)
	}
	if got, want := send("/dance"), "Unknown command: '/dance'. Try /help."; got != want {
		t.Errorf("unknown = %q, want %q", got, want)
	}
	if n := len(a.calls()); n != 0 {
		t.Errorf("agent ran %d times for reply commands", n)
	}

	if got := send("/morning"); got != "good morning" {
		t.Errorf("/morning reply = %q", got)
	}
	calls := a.calls()
	if len(calls) != 1 || calls[0].Trigger != agent.TriggerMorning {
		t.Errorf("agent inputs = %+v, want morning trigger", calls)
	}
	if n := f.turnsOfKind(t, store.KindTrigger); n != 1 {
		t.Errorf("internal_trigger turns = %d, want 1", n)
	}
}

func TestTriggerSkipsInactiveUsers(t *testing.T) {
	t.Parallel()
	a := &fakeAgent{reply: "x"}
	f := newFixture(t, a)
	ctx := context.Background()

	f.router.HandleTrigger(ctx, user, agent.TriggerEvening)
	if _, err := f.state.Preferences(ctx, user); err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	f.router.HandleTrigger(ctx, user, agent.TriggerEvening)
	if n := len(a.calls()); n != 0 {
		t.Errorf("agent runs = %d, want 0", n)
	}

	f.activate(t)
	f.router.HandleTrigger(ctx, user, agent.TriggerEvening)
	if calls := a.calls(); len(calls) != 1 || calls[0].Trigger != agent.TriggerEvening {
		t.Errorf("agent inputs = %+v", calls)
	}
}

func TestPanicBecomesFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeAgent{panics: true})
	f.activate(t)

	f.router.HandleIncoming(context.Background(), bridge.Inbound{UserID: user, Text: "hi"})
	if sent := f.sent(); len(sent) != 1 || sent[0] != "generic error" {
		t.Errorf("sent = %q, want [generic error]", sent)
	}
}

func TestConcurrentMessagesSameUser(t *testing.T) {
	t.Parallel()
	a := &fakeAgent{reply: "ok"}
	f := newFixture(t, a)
	f.activate(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.router.HandleIncoming(context.Background(), bridge.Inbound{UserID: user, Text: "hi", MessageID: "same-id"})
		}()
	}
	wg.Wait()
	if n := len(a.calls()); n != 1 {
		t.Errorf("agent runs = %d, want 1", n)
	}
}

func TestUserLocksReleased(t *testing.T) {
	t.Parallel()
	a := &fakeAgent{reply: "ok"}
	f := newFixture(t, a)
	f.activate(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.router.HandleIncoming(context.Background(), bridge.Inbound{
				UserID: user, Text: "hi", MessageID: fmt.Sprintf("msg-%d", i),
			})
		}(i)
	}
	wg.Wait()

	if n := len(a.calls()); n != 8 {
		t.Errorf("agent runs = %d, want 8", n)
	}
	if n := f.router.lockedUsers(); n != 0 {
		t.Errorf("lock entries after all turns = %d, want 0", n)
	}
}

// fakeModel replays scripted responses.
type fakeModel struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
}

func (f *fakeModel) Provider() string { return "fake" }

func (f *fakeModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	if n < len(f.responses) {
		return f.responses[n], nil
	}
	return &llm.Response{}, nil
}

func (f *fakeModel) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}
