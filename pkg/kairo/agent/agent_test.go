package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/llm"
	"github.com/jholhewres/kairo/pkg/kairo/resources"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

const (
	testUser     = "972501234567"
	onboardingPr = "ONBOARDING PROMPT"
	agentPr      = "AGENT PROMPT"
)

var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() *resources.Catalog {
	return resources.New(
		map[string]string{
			resources.PromptOnboarding: onboardingPr,
			resources.PromptAgent:      agentPr,
		},
		map[string]map[string]string{
			resources.MsgGenericError: {"en": "generic error", "he": "שגיאה"},
		},
		"en",
	)
}

// fakeModel replays scripted responses and records every request.
type fakeModel struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []llm.Request
}

func (f *fakeModel) Provider() string { return "fake" }

func (f *fakeModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.requests)
	f.requests = append(f.requests, req)
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
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

type harness struct {
	store *store.Store
	state *State
	model *fakeModel
	orch  *Orchestrator
}

func newHarness(t *testing.T, model *fakeModel) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "kairo.db"), quietLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	state := NewState(s, 10, quietLogger())
	state.now = func() time.Time { return testNow }

	o := NewOrchestrator(OrchestratorConfig{
		State:       state,
		Model:       model,
		Catalog:     testCatalog(),
		Turns:       s.Turns,
		Activity:    s.Activity,
		Temperature: 0.2,
		Logger:      quietLogger(),
	})
	o.now = func() time.Time { return testNow }
	return &harness{store: s, state: state, model: model, orch: o}
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	if err := h.state.Advance(context.Background(), testUser, store.UserActive); err != nil {
		t.Fatalf("Advance: %v", err)
	}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestToolFailureIsIsolated(t *testing.T) {
	t.Parallel()

	model := &fakeModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			toolCall("c1", ToolCreateTask, `{"description":"write report","project":"work"}`),
			toolCall("c2", ToolCreateReminder, `{"description":"call mom"}`),
			toolCall("c3", ToolCreateTask, `{"description":"buy milk"}`),
		}},
		{Content: "Done: two tasks added, reminder needs a time."},
	}}
	h := newHarness(t, model)
	h.activate(t)
	ctx := context.Background()

	reply := h.orch.Run(ctx, testUser, UserText("add things"))
	if reply != "Done: two tasks added, reminder needs a time." {
		t.Fatalf("reply = %q", reply)
	}

	reqs := model.calls()
	if len(reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(reqs))
	}
	if len(reqs[0].Tools) != 5 {
		t.Errorf("first call tools = %d, want 5", len(reqs[0].Tools))
	}
	if len(reqs[1].Tools) != 0 {
		t.Errorf("second call tools = %d, want 0", len(reqs[1].Tools))
	}

	var results []llm.Message
	for _, m := range reqs[1].Messages {
		if m.Role == llm.RoleTool {
			results = append(results, m)
		}
	}
	if len(results) != 3 {
		t.Fatalf("tool results in transcript = %d, want 3", len(results))
	}
	wantOK := []bool{true, false, true}
	for i, m := range results {
		var res ToolResult
		if err := json.Unmarshal([]byte(m.Content), &res); err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
		if res.Success != wantOK[i] {
			t.Errorf("result %d success = %v, want %v (%s)", i, res.Success, wantOK[i], m.Content)
		}
		if !res.Success && !strings.Contains(res.Error, "remind_at") {
			t.Errorf("result %d error = %q, want mention of remind_at", i, res.Error)
		}
	}

	items, err := h.store.Items.List(ctx, store.ItemFilter{UserID: testUser})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}

	activity, err := h.store.Activity.ForUser(ctx, testUser)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(activity) != 3 {
		t.Errorf("activity records = %d, want 3", len(activity))
	}
}

func TestUnknownToolIsSkipped(t *testing.T) {
	t.Parallel()

	model := &fakeModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			toolCall("c1", "launch_rocket", `{}`),
			toolCall("c2", ToolCreateTask, `{"description":"x"}`),
		}},
		{Content: "ok"},
	}}
	h := newHarness(t, model)
	h.activate(t)

	if reply := h.orch.Run(context.Background(), testUser, UserText("go")); reply != "ok" {
		t.Fatalf("reply = %q, want %q", reply, "ok")
	}

	second := model.calls()[1]
	var toolMsgs int
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool {
			toolMsgs++
			if m.Name == "launch_rocket" {
				t.Error("unknown tool has a transcript entry")
			}
		}
		for _, c := range m.ToolCalls {
			if c.Name == "launch_rocket" {
				t.Error("unknown tool left in assistant tool calls")
			}
		}
	}
	if toolMsgs != 1 {
		t.Errorf("tool messages = %d, want 1", toolMsgs)
	}
}

func TestPromptSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		active     bool
		input      Input
		wantPrompt string
		wantLast   string
	}{
		{"new user", false, UserText("hi"), onboardingPr, "hi"},
		{"active user", true, UserText("hi"), agentPr, "hi"},
		{"trigger", true, Trigger(TriggerMorning), agentPr, `{"trigger":"morning_muster"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			model := &fakeModel{responses: []*llm.Response{{Content: "hello"}}}
			h := newHarness(t, model)
			if tt.active {
				h.activate(t)
			}

			if reply := h.orch.Run(context.Background(), testUser, tt.input); reply != "hello" {
				t.Fatalf("reply = %q", reply)
			}
			req := model.calls()[0]
			if !strings.HasPrefix(req.System, tt.wantPrompt+contextHeader) {
				t.Errorf("system = %q, want prefix %q", req.System, tt.wantPrompt)
			}
			if !strings.Contains(req.System, `"current_utc_date":"2025-03-10"`) {
				t.Errorf("system lacks current date: %q", req.System)
			}
			last := req.Messages[len(req.Messages)-1]
			if last.Role != llm.RoleUser || last.Content != tt.wantLast {
				t.Errorf("last message = %+v, want user %q", last, tt.wantLast)
			}
		})
	}
}

func TestHistoryIsReplayed(t *testing.T) {
	t.Parallel()

	model := &fakeModel{responses: []*llm.Response{{Content: "reply"}}}
	h := newHarness(t, model)
	h.activate(t)
	ctx := context.Background()

	h.store.Turns.Append(ctx, testUser, store.RoleUser, store.KindUserText, "earlier question")
	h.store.Turns.Append(ctx, testUser, store.RoleAssistant, store.KindAgentRaw, `{"content":"raw"}`)
	h.store.Turns.Append(ctx, testUser, store.RoleAssistant, store.KindAgentText, "earlier answer")

	h.orch.Run(ctx, testUser, UserText("now"))

	msgs := model.calls()[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(msgs), msgs)
	}
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "earlier question"},
		{Role: llm.RoleAssistant, Content: "earlier answer"},
		{Role: llm.RoleUser, Content: "now"},
	}
	for i := range want {
		if msgs[i].Role != want[i].Role || msgs[i].Content != want[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestModelFailureFallsBack(t *testing.T) {
	t.Parallel()

	modelErr := &llm.Error{Kind: llm.KindTimeout, Provider: "fake", Err: context.DeadlineExceeded}

	t.Run("first call", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeModel{errs: []error{modelErr}})
		if reply := h.orch.Run(context.Background(), testUser, UserText("hi")); reply != "generic error" {
			t.Errorf("reply = %q, want %q", reply, "generic error")
		}
	})

	t.Run("second call keeps tool effects", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{
			responses: []*llm.Response{{ToolCalls: []llm.ToolCall{toolCall("c1", ToolCreateTask, `{"description":"x"}`)}}},
			errs:      []error{nil, modelErr},
		}
		h := newHarness(t, model)
		h.activate(t)
		ctx := context.Background()

		if reply := h.orch.Run(ctx, testUser, UserText("hi")); reply != "generic error" {
			t.Errorf("reply = %q, want %q", reply, "generic error")
		}
		items, _ := h.store.Items.List(ctx, store.ItemFilter{UserID: testUser})
		if len(items) != 1 {
			t.Errorf("items = %d, want 1", len(items))
		}
	})

	t.Run("localized", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeModel{errs: []error{errors.New("boom")}})
		if !h.state.UpdatePreferences(context.Background(), testUser, map[string]any{"language": "he"}) {
			t.Fatal("UpdatePreferences failed")
		}
		if reply := h.orch.Run(context.Background(), testUser, UserText("hi")); reply != "שגיאה" {
			t.Errorf("reply = %q, want hebrew fallback", reply)
		}
	})

	t.Run("missing prompt", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{}
		h := newHarness(t, model)
		h.orch.catalog = resources.New(nil, nil, "en")
		if reply := h.orch.Run(context.Background(), testUser, UserText("hi")); reply != resources.FallbackMessage {
			t.Errorf("reply = %q, want %q", reply, resources.FallbackMessage)
		}
		if n := len(model.calls()); n != 0 {
			t.Errorf("model calls = %d, want 0", n)
		}
	})
}

func TestEmptyReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{responses: []*llm.Response{{Content: "   "}}})
	if reply := h.orch.Run(context.Background(), testUser, UserText("hi")); reply != "" {
		t.Errorf("reply = %q, want empty", reply)
	}
}

func TestRawResponseIsLogged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{responses: []*llm.Response{{Content: "hey"}}})
	ctx := context.Background()
	h.orch.Run(ctx, testUser, UserText("hi"))

	turns, err := h.store.Turns.ForUser(ctx, testUser)
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if len(turns) != 1 || turns[0].Kind != store.KindAgentRaw {
		t.Fatalf("turns = %+v, want one agent_raw_response", turns)
	}
}

func TestLoggedInputIsNotRepeated(t *testing.T) {
	t.Parallel()

	model := &fakeModel{responses: []*llm.Response{{Content: "reply"}}}
	h := newHarness(t, model)
	h.activate(t)
	ctx := context.Background()

	h.store.Turns.Append(ctx, testUser, store.RoleUser, store.KindUserText, "earlier question")
	h.store.Turns.Append(ctx, testUser, store.RoleAssistant, store.KindAgentText, "earlier answer")
	h.store.Turns.Append(ctx, testUser, store.RoleUser, store.KindUserText, "now")

	h.orch.Run(ctx, testUser, UserText("now"))

	msgs := model.calls()[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(msgs), msgs)
	}
	if last := msgs[2]; last.Role != llm.RoleUser || last.Content != "now" {
		t.Errorf("last message = %+v, want the current input", last)
	}
}

func TestCreateThenUpdateInSameTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{})
	reg := NewRegistry(h.state)
	ctx := context.Background()

	create, _ := reg.Lookup(ToolCreateTask)
	res := create.Call(ctx, testUser, `{"description":"draft"}`)
	if !res.Success || res.ItemID == "" {
		t.Fatalf("create = %+v", res)
	}

	update, _ := reg.Lookup(ToolUpdateItem)
	args := `{"item_id":"` + res.ItemID + `","updates":{"status":"in_progress","priority":"high"}}`
	if got := update.Call(ctx, testUser, args); !got.Success {
		t.Fatalf("update = %+v", got)
	}

	it, err := h.store.Items.Get(ctx, res.ItemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if it.Status != store.StatusInProgress || it.Priority != "high" {
		t.Errorf("item = %+v", it)
	}
}

func TestUpdateItemRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{})
	reg := NewRegistry(h.state)
	ctx := context.Background()

	mk := func(user string, typ store.ItemType, status store.Status) string {
		it := &store.Item{ID: store.NewID(), UserID: user, Type: typ, Status: status, Description: "d"}
		if typ == store.TypeReminder {
			it.RemindAt = "2025-03-10T10:00:00Z"
		}
		if err := h.store.Items.Upsert(ctx, it); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		return it.ID
	}
	mine := mk(testUser, store.TypeTask, store.StatusNew)
	theirs := mk("other", store.TypeTask, store.StatusNew)
	deleted := mk(testUser, store.TypeTask, store.StatusDeleted)
	completed := mk(testUser, store.TypeTask, store.StatusCompleted)
	reminder := mk(testUser, store.TypeReminder, store.StatusNew)
	sibling := mk(testUser, store.TypeTask, store.StatusNew)

	update, _ := reg.Lookup(ToolUpdateItem)
	tests := []struct {
		name    string
		id      string
		updates string
		wantOK  bool
	}{
		{"not found", "missing", `{"status":"completed"}`, false},
		{"other owner", theirs, `{"status":"completed"}`, false},
		{"deleted is terminal", deleted, `{"status":"new"}`, false},
		{"completed cannot reopen", completed, `{"status":"in_progress"}`, false},
		{"completed can be deleted", completed, `{"status":"deleted"}`, true},
		{"invalid status", mine, `{"status":"done"}`, false},
		{"type is immutable", mine, `{"type":"reminder"}`, false},
		{"unknown field", mine, `{"color":"red"}`, false},
		{"empty updates", mine, `{}`, false},
		{"reminder keeps remind_at", reminder, `{"remind_at":""}`, false},
		{"reminder reschedule", reminder, `{"remind_at":"2025-03-11T08:00:00Z"}`, true},
		{"parent of another user", mine, `{"parent_id":"` + theirs + `"}`, false},
		{"missing parent", mine, `{"parent_id":"missing"}`, false},
		{"own parent", mine, `{"parent_id":"` + sibling + `"}`, true},
		{"valid", mine, `{"status":"completed"}`, true},
	}
	for _, tt := range tests {
		args := `{"item_id":"` + tt.id + `","updates":` + tt.updates + `}`
		res := update.Call(ctx, testUser, args)
		if res.Success != tt.wantOK {
			t.Errorf("%s: success = %v, want %v (%s)", tt.name, res.Success, tt.wantOK, res.Error)
		}
		if !res.Success && res.Error == "" {
			t.Errorf("%s: failure without error description", tt.name)
		}
	}

	it, _ := h.store.Items.Get(ctx, theirs)
	if it.Status != store.StatusNew {
		t.Errorf("other user's item status = %q, want unchanged", it.Status)
	}
	if it, _ := h.store.Items.Get(ctx, mine); it.ParentID != sibling {
		t.Errorf("ParentID = %q, want %q", it.ParentID, sibling)
	}
}

func TestCreateReminderNormalizesTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{})
	reg := NewRegistry(h.state)
	ctx := context.Background()

	create, _ := reg.Lookup(ToolCreateReminder)
	res := create.Call(ctx, testUser, `{"description":"stand up","remind_at":"2025-03-10T12:00:00+02:00"}`)
	if !res.Success {
		t.Fatalf("create = %+v", res)
	}
	it, _ := h.store.Items.Get(ctx, res.ItemID)
	if it.RemindAt != "2025-03-10T10:00:00Z" {
		t.Errorf("RemindAt = %q, want %q", it.RemindAt, "2025-03-10T10:00:00Z")
	}

	if bad := create.Call(ctx, testUser, `{"description":"x","remind_at":"tomorrow"}`); bad.Success {
		t.Error("unparseable remind_at accepted")
	}
	if bad := create.Call(ctx, testUser, `not json`); bad.Success {
		t.Error("malformed arguments accepted")
	}
}

func TestUpdateUserPreferencesTool(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{})
	reg := NewRegistry(h.state)
	ctx := context.Background()
	tool, _ := reg.Lookup(ToolUpdateUserPreferences)

	tests := []struct {
		name   string
		args   string
		wantOK bool
	}{
		{"empty", `{}`, false},
		{"bad timezone", `{"timezone":"Mars/Olympus"}`, false},
		{"bad time", `{"morning_muster_time":"25:00"}`, false},
		{"bad weekday", `{"work_days":["Funday"]}`, false},
		{"valid", `{"name":"Dana","timezone":"Asia/Jerusalem","language":"HE","work_days":["sun","Monday"],"morning_muster_time":"7:30"}`, true},
	}
	for _, tt := range tests {
		if res := tool.Call(ctx, testUser, tt.args); res.Success != tt.wantOK {
			t.Errorf("%s: success = %v, want %v (%s)", tt.name, res.Success, tt.wantOK, res.Error)
		}
	}

	p, err := h.state.Preferences(ctx, testUser)
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if p.Name != "Dana" || p.Timezone != "Asia/Jerusalem" || p.Language != "he" {
		t.Errorf("prefs = %+v", p)
	}
	if p.MorningMusterTime != "07:30" {
		t.Errorf("MorningMusterTime = %q, want %q", p.MorningMusterTime, "07:30")
	}
	if len(p.RitualDays) != 2 || p.RitualDays[0] != "Sunday" || p.RitualDays[1] != "Monday" {
		t.Errorf("RitualDays = %v", p.RitualDays)
	}
}

func TestFinalizeOnboarding(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{})
	reg := NewRegistry(h.state)
	ctx := context.Background()

	tool, _ := reg.Lookup(ToolFinalizeOnboarding)
	if res := tool.Call(ctx, testUser, ""); !res.Success {
		t.Fatalf("finalize = %+v", res)
	}
	p, _ := h.state.Preferences(ctx, testUser)
	if p.Status != store.UserActive {
		t.Errorf("Status = %q, want %q", p.Status, store.UserActive)
	}
}

func TestActiveItemsFiltersPastDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{})
	ctx := context.Background()

	for _, it := range []store.Item{
		{ID: "past", DueDate: "2025-03-09"},
		{ID: "today", DueDate: "2025-03-10"},
		{ID: "future", DueDate: "2025-04-01"},
		{ID: "none"},
		{ID: "garbage", DueDate: "next week"},
		{ID: "done", Status: store.StatusCompleted},
	} {
		it.UserID = testUser
		it.Type = store.TypeTask
		if it.Status == "" {
			it.Status = store.StatusNew
		}
		it.Description = it.ID
		if err := h.store.Items.Upsert(ctx, &it); err != nil {
			t.Fatalf("Upsert %s: %v", it.ID, err)
		}
	}

	tc, err := h.state.Context(ctx, testUser)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	got := map[string]bool{}
	for _, it := range tc.ActiveItems {
		got[it.ID] = true
	}
	for _, id := range []string{"today", "future", "none", "garbage"} {
		if !got[id] {
			t.Errorf("active items missing %q", id)
		}
	}
	for _, id := range []string{"past", "done"} {
		if got[id] {
			t.Errorf("active items include %q", id)
		}
	}
	if tc.Preferences.Status != store.UserNew {
		t.Errorf("Status = %q, want %q", tc.Preferences.Status, store.UserNew)
	}
}

func TestRegistrySchema(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeModel{})
	defs := NewRegistry(h.state).Definitions()

	want := []string{ToolCreateTask, ToolCreateReminder, ToolUpdateItem, ToolUpdateUserPreferences, ToolFinalizeOnboarding}
	if len(defs) != len(want) {
		t.Fatalf("definitions = %d, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("definition %d = %q, want %q", i, d.Name, want[i])
		}
	}
	if req := defs[1].Required; len(req) != 2 || req[0] != "description" || req[1] != "remind_at" {
		t.Errorf("create_reminder required = %v", req)
	}
}
