package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/dmartinelli/storebot/agent/contract"
	statex "github.com/dmartinelli/storebot/agent/state"
)

type fakeClassifier struct {
	mu          sync.Mutex
	results     []contractx.IntentResult
	err         error
	calls       int
	lastHistory []string
	lastText    string
}

func (f *fakeClassifier) Classify(_ context.Context, history []string, text string) (contractx.IntentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastHistory = append([]string(nil), history...)
	f.lastText = text
	if f.err != nil {
		return contractx.IntentResult{}, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	if idx < 0 {
		return contractx.IntentResult{Label: statex.IntentOther, Detected: true}, nil
	}
	return f.results[idx], nil
}

type fakeCatalog struct {
	mu        sync.Mutex
	result    contractx.CatalogResult
	err       error
	calls     int
	lastQuery string
}

func (f *fakeCatalog) Search(_ context.Context, query string) (contractx.CatalogResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastQuery = query
	if f.err != nil {
		return contractx.CatalogResult{}, f.err
	}
	return f.result, nil
}

type fakeKnowledge struct {
	mu     sync.Mutex
	result contractx.KnowledgeResult
	err    error
	calls  int
}

func (f *fakeKnowledge) Lookup(_ context.Context, _ string) (contractx.KnowledgeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return contractx.KnowledgeResult{}, f.err
	}
	return f.result, nil
}

type failingStore struct {
	statex.Store
	saveErr error
	loadErr error
}

func (f *failingStore) Load(ctx context.Context, sessionID string) (*statex.Session, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.Store.Load(ctx, sessionID)
}

func (f *failingStore) Save(ctx context.Context, sess *statex.Session) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.Save(ctx, sess)
}

type testEnv struct {
	engine     *Engine
	store      *statex.InMemoryStore
	classifier *fakeClassifier
	catalog    *fakeCatalog
	knowledge  *fakeKnowledge
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      statex.NewInMemoryStore(),
		classifier: &fakeClassifier{},
		catalog:    &fakeCatalog{},
		knowledge:  &fakeKnowledge{},
	}
	eng, err := New(env.store, env.classifier, env.catalog, env.knowledge, nil, Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	var mu sync.Mutex
	var seq int
	eng.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%04d", seq)
	}
	eng.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	env.engine = eng
	return env
}

func (env *testEnv) mustTurn(t *testing.T, sessionID, text string) TurnResult {
	t.Helper()
	result, err := env.engine.HandleTurn(context.Background(), sessionID, text)
	if err != nil {
		t.Fatalf("turn %q: %v", text, err)
	}
	return result
}

func (env *testEnv) loadSession(t *testing.T, sessionID string) *statex.Session {
	t.Helper()
	sess, err := env.store.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("load session %s: %v", sessionID, err)
	}
	return sess
}

func TestHandleTurnRejectsEmptyInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := env.engine.HandleTurn(context.Background(), "s1", input)
		if !errors.Is(err, contractx.ErrValidation) {
			t.Fatalf("input %q: expected validation error, got %v", input, err)
		}
	}

	if _, err := env.store.Load(context.Background(), "s1"); !errors.Is(err, statex.ErrStateNotFound) {
		t.Fatalf("rejected input must not create a session, got %v", err)
	}
	if env.classifier.calls != 0 {
		t.Fatalf("rejected input must not classify, got %d calls", env.classifier.calls)
	}
}

func TestHandleTurnGeneratesSessionID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentOther, Detected: true}}

	result := env.mustTurn(t, "", "hello there")
	if result.SessionID == "" {
		t.Fatal("expected generated session id")
	}

	sess := env.loadSession(t, result.SessionID)
	if sess.Mode != statex.ModeIdle {
		t.Fatalf("expected idle mode, got %s", sess.Mode)
	}
	if !result.Continue {
		t.Fatal("expected continue=true")
	}
}

func TestMessageTrailOrdering(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentOther, Detected: true}}

	inputs := []string{"hi", "hello again", "one more"}
	for _, input := range inputs {
		env.mustTurn(t, "trail", input)
	}

	sess := env.loadSession(t, "trail")
	if len(sess.Messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(sess.Messages))
	}
	for i, m := range sess.Messages {
		if m.Seq != i+1 {
			t.Fatalf("message %d has seq %d", i, m.Seq)
		}
		wantRole := statex.RoleUser
		if i%2 == 1 {
			wantRole = statex.RoleAssistant
		}
		if m.Role != wantRole {
			t.Fatalf("message %d has role %s, want %s", i, m.Role, wantRole)
		}
	}
	for i, input := range inputs {
		if sess.Messages[i*2].Text != input {
			t.Fatalf("user message %d is %q, want %q", i, sess.Messages[i*2].Text, input)
		}
	}
}

func TestUndetectedThenAffirmationEscalates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentUndetected, Detected: false}}

	first := env.mustTurn(t, "esc", "asdkjh")
	if !strings.Contains(first.Reply, "connect you") {
		t.Fatalf("expected escalation offer, got %q", first.Reply)
	}

	sess := env.loadSession(t, "esc")
	if sess.Mode != statex.ModeIdle {
		t.Fatalf("mode must stay idle after undetected, got %s", sess.Mode)
	}
	if !sess.PendingOffer {
		t.Fatal("expected pending escalation offer")
	}
	if sess.Messages[0].Intent != statex.IntentUndetected {
		t.Fatalf("triggering message should carry undetected label, got %q", sess.Messages[0].Intent)
	}

	second := env.mustTurn(t, "esc", "yes")
	sess = env.loadSession(t, "esc")
	if sess.Mode != statex.ModeEscalating {
		t.Fatalf("expected escalating mode, got %s", sess.Mode)
	}
	if sess.PendingOffer {
		t.Fatal("pending offer must be cleared")
	}
	if !strings.Contains(second.Reply, "name") {
		t.Fatalf("expected name prompt, got %q", second.Reply)
	}
	if env.classifier.calls != 1 {
		t.Fatalf("affirmation must not call the classifier, got %d calls", env.classifier.calls)
	}
}

func TestDeclinedOfferFallsThroughToClassification(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{
		{Label: statex.IntentUndetected, Detected: false},
		{Label: statex.IntentGeneralQuestion, Detected: true},
	}
	env.knowledge.result = contractx.KnowledgeResult{Found: true, Answer: "Open 9 to 8."}

	env.mustTurn(t, "decline", "asdkjh")
	second := env.mustTurn(t, "decline", "what are your hours")

	if second.Reply != "Open 9 to 8." {
		t.Fatalf("expected knowledge answer, got %q", second.Reply)
	}
	sess := env.loadSession(t, "decline")
	if sess.Mode != statex.ModeIdle {
		t.Fatalf("expected idle mode, got %s", sess.Mode)
	}
	if sess.PendingOffer {
		t.Fatal("pending offer must be cleared by the follow-up turn")
	}
	if env.classifier.calls != 2 {
		t.Fatalf("expected 2 classifier calls, got %d", env.classifier.calls)
	}
}

func TestPendingOfferSurvivesClassifierOutage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentUndetected, Detected: false}}

	env.mustTurn(t, "offer", "asdkjh")
	if sess := env.loadSession(t, "offer"); !sess.PendingOffer {
		t.Fatal("expected pending escalation offer")
	}

	env.classifier.err = fmt.Errorf("%w: boom", contractx.ErrUnavailable)
	degraded := env.mustTurn(t, "offer", "hmm")
	if !strings.Contains(degraded.Reply, "temporarily unavailable") {
		t.Fatalf("expected unavailable reply, got %q", degraded.Reply)
	}
	if sess := env.loadSession(t, "offer"); !sess.PendingOffer {
		t.Fatal("offer must survive a classifier outage")
	}

	env.classifier.err = nil
	accepted := env.mustTurn(t, "offer", "yes")
	if !strings.Contains(accepted.Reply, "name") {
		t.Fatalf("expected name prompt, got %q", accepted.Reply)
	}
	if sess := env.loadSession(t, "offer"); sess.Mode != statex.ModeEscalating {
		t.Fatalf("expected escalating mode, got %s", sess.Mode)
	}
}

func TestEscalationFillOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentHumanRequest, Detected: true}}

	first := env.mustTurn(t, "fill", "I want to talk to a person")
	if !strings.Contains(first.Reply, "name") {
		t.Fatalf("expected name prompt, got %q", first.Reply)
	}

	second := env.mustTurn(t, "fill", "Maria")
	if !strings.Contains(second.Reply, "email") {
		t.Fatalf("expected email prompt, got %q", second.Reply)
	}
	sess := env.loadSession(t, "fill")
	if sess.Escalation == nil || sess.Escalation.Name != "Maria" {
		t.Fatalf("expected name captured, got %+v", sess.Escalation)
	}
	if sess.Escalation.Email != "" {
		t.Fatal("email must not be set yet")
	}

	third := env.mustTurn(t, "fill", "not-an-email")
	if !strings.Contains(third.Reply, "valid email") {
		t.Fatalf("expected email re-prompt, got %q", third.Reply)
	}
	sess = env.loadSession(t, "fill")
	if sess.Escalation.Email != "" {
		t.Fatal("invalid email must not mutate the record")
	}
	if sess.Mode != statex.ModeEscalating {
		t.Fatalf("expected escalating mode, got %s", sess.Mode)
	}

	fourth := env.mustTurn(t, "fill", "maria@example.com")
	sess = env.loadSession(t, "fill")
	if sess.Mode != statex.ModeHumanHandoff {
		t.Fatalf("expected human handoff, got %s", sess.Mode)
	}
	if !sess.Escalation.HandedOff || sess.Escalation.Email != "maria@example.com" {
		t.Fatalf("expected completed record, got %+v", sess.Escalation)
	}
	if !strings.Contains(fourth.Reply, "fill") {
		t.Fatalf("handoff confirmation must include the session id, got %q", fourth.Reply)
	}
	if !strings.Contains(fourth.Reply, "INQ-") {
		t.Fatalf("handoff confirmation must include the inquiry id, got %q", fourth.Reply)
	}
	if sess.ContactName != "Maria" || sess.ContactEmail != "maria@example.com" {
		t.Fatalf("contact info must be promoted onto the session, got %q/%q", sess.ContactName, sess.ContactEmail)
	}
	if env.classifier.calls != 1 {
		t.Fatalf("escalating turns must skip classification, got %d calls", env.classifier.calls)
	}
}

func TestTerminalModesAreIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentHumanRequest, Detected: true}}

	env.mustTurn(t, "term", "human please")
	env.mustTurn(t, "term", "Maria")
	env.mustTurn(t, "term", "maria@example.com")

	callsBefore := env.classifier.calls
	result := env.mustTurn(t, "term", "are you still there?")
	if !result.Continue {
		t.Fatal("handed-off session still accepts messages")
	}
	sess := env.loadSession(t, "term")
	if sess.Mode != statex.ModeHumanHandoff {
		t.Fatalf("terminal mode changed to %s", sess.Mode)
	}
	if env.classifier.calls != callsBefore || env.catalog.calls != 0 || env.knowledge.calls != 0 {
		t.Fatal("terminal turns must not invoke adapters")
	}

	// End phrases do not reopen or close a handed-off session either.
	env.mustTurn(t, "term", "exit")
	sess = env.loadSession(t, "term")
	if sess.Mode != statex.ModeHumanHandoff {
		t.Fatalf("terminal mode changed to %s", sess.Mode)
	}
}

func TestClosedSessionRespondsWithNotice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	closed := env.mustTurn(t, "bye", "exit")
	if closed.Continue {
		t.Fatal("end phrase must stop the session")
	}
	if !strings.Contains(closed.Reply, "bye") {
		t.Fatalf("goodbye must include the session id, got %q", closed.Reply)
	}

	again := env.mustTurn(t, "bye", "hello?")
	if again.Continue {
		t.Fatal("closed session must report continue=false")
	}
	if !strings.Contains(again.Reply, "ended") {
		t.Fatalf("expected session-ended notice, got %q", again.Reply)
	}
	if env.classifier.calls != 0 {
		t.Fatal("closed session must not classify")
	}
	sess := env.loadSession(t, "bye")
	if sess.Mode != statex.ModeClosed {
		t.Fatalf("expected closed mode, got %s", sess.Mode)
	}
}

func TestProductInquiryEndToEnd(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentProductInquiry, Detected: true}}
	env.catalog.result = contractx.CatalogResult{
		Found: true,
		Items: []contractx.CatalogItem{{Name: "Backpack", Price: 29.99, Stock: 3}},
	}

	result := env.mustTurn(t, "prod", "Do you have backpacks?")
	if !strings.Contains(result.Reply, "29.99") {
		t.Fatalf("reply must mention the price, got %q", result.Reply)
	}
	if !strings.Contains(result.Reply, "3 in stock") {
		t.Fatalf("reply must mention the stock, got %q", result.Reply)
	}
	if env.catalog.lastQuery != "Do you have backpacks?" {
		t.Fatalf("catalog got query %q", env.catalog.lastQuery)
	}

	sess := env.loadSession(t, "prod")
	if sess.Mode != statex.ModeIdle {
		t.Fatalf("inquiry must revert to idle, got %s", sess.Mode)
	}
	if sess.Messages[0].Intent != statex.IntentProductInquiry {
		t.Fatalf("user message should carry the intent, got %q", sess.Messages[0].Intent)
	}
}

func TestProductInquiryNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentProductInquiry, Detected: true}}
	env.catalog.result = contractx.CatalogResult{Found: false}

	result := env.mustTurn(t, "nf", "Do you have kayaks?")
	if !strings.Contains(result.Reply, "couldn't find") {
		t.Fatalf("expected not-found phrasing, got %q", result.Reply)
	}
}

func TestKnowledgeFallbackWhenNoTopicMatches(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentGeneralQuestion, Detected: true}}
	env.knowledge.result = contractx.KnowledgeResult{Found: false}

	result := env.mustTurn(t, "kb", "do you gift wrap?")
	if !strings.Contains(result.Reply, "contact the store") {
		t.Fatalf("expected contact-the-store fallback, got %q", result.Reply)
	}
}

func TestClassifierUnavailableDegradesGracefully(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.err = fmt.Errorf("%w: boom", contractx.ErrUnavailable)

	result := env.mustTurn(t, "down", "hello")
	if !strings.Contains(result.Reply, "temporarily unavailable") {
		t.Fatalf("expected unavailable reply, got %q", result.Reply)
	}
	if !result.Continue {
		t.Fatal("adapter failure must not end the session")
	}

	sess := env.loadSession(t, "down")
	if len(sess.Messages) != 2 {
		t.Fatalf("user input must still be persisted, got %d messages", len(sess.Messages))
	}
	if sess.Mode != statex.ModeIdle {
		t.Fatalf("mode must stay unchanged, got %s", sess.Mode)
	}
}

func TestCatalogUnavailableDegradesGracefully(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentProductInquiry, Detected: true}}
	env.catalog.err = fmt.Errorf("%w: timeout", contractx.ErrUnavailable)

	result := env.mustTurn(t, "catdown", "backpacks?")
	if !strings.Contains(result.Reply, "temporarily unavailable") {
		t.Fatalf("expected unavailable reply, got %q", result.Reply)
	}
	sess := env.loadSession(t, "catdown")
	if sess.Mode != statex.ModeIdle {
		t.Fatalf("mode must stay unchanged, got %s", sess.Mode)
	}
}

func TestPersistenceFailureIsFatalForTurn(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentOther, Detected: true}}

	failing := &failingStore{Store: env.store, saveErr: errors.New("disk gone")}
	eng, err := New(failing, env.classifier, env.catalog, env.knowledge, nil, Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	_, err = eng.HandleTurn(context.Background(), "persist", "hello")
	if !errors.Is(err, contractx.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if _, loadErr := env.store.Load(context.Background(), "persist"); !errors.Is(loadErr, statex.ErrStateNotFound) {
		t.Fatal("failed turn must not leave partial state behind")
	}
}

func TestCancelledContextAbortsBeforeCommit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentOther, Detected: true}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.HandleTurn(ctx, "cancel", "hello")
	if !errors.Is(err, contractx.ErrPersistence) {
		t.Fatalf("expected persistence error on aborted turn, got %v", err)
	}
	if _, loadErr := env.store.Load(context.Background(), "cancel"); !errors.Is(loadErr, statex.ErrStateNotFound) {
		t.Fatal("aborted turn must not apply partial mutation")
	}
}

func TestClassifierHistoryIsBoundedAndExcludesCurrentText(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentOther, Detected: true}}

	env.mustTurn(t, "hist", "first")
	env.mustTurn(t, "hist", "second")

	if env.classifier.lastText != "second" {
		t.Fatalf("expected current text %q, got %q", "second", env.classifier.lastText)
	}
	if len(env.classifier.lastHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(env.classifier.lastHistory))
	}
	last := env.classifier.lastHistory[len(env.classifier.lastHistory)-1]
	if last == "second" {
		t.Fatal("history must not contain the message being classified")
	}
}

func TestSameSessionTurnsAreSerialized(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentOther, Detected: true}}

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.engine.HandleTurn(context.Background(), "conc", fmt.Sprintf("message %d", i)); err != nil {
				t.Errorf("turn %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	sess := env.loadSession(t, "conc")
	if len(sess.Messages) != turns*2 {
		t.Fatalf("expected %d messages, got %d (lost updates)", turns*2, len(sess.Messages))
	}
	for i, m := range sess.Messages {
		if m.Seq != i+1 {
			t.Fatalf("message %d has seq %d; total order violated", i, m.Seq)
		}
	}
}

func TestDistinctSessionsAreIsolated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.classifier.results = []contractx.IntentResult{{Label: statex.IntentOther, Detected: true}}

	var wg sync.WaitGroup
	for _, id := range []string{"iso-a", "iso-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := env.engine.HandleTurn(context.Background(), id, "hello from "+id); err != nil {
					t.Errorf("session %s turn %d: %v", id, i, err)
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"iso-a", "iso-b"} {
		sess := env.loadSession(t, id)
		if len(sess.Messages) != 10 {
			t.Fatalf("session %s has %d messages, want 10", id, len(sess.Messages))
		}
		for _, m := range sess.Messages {
			if m.SessionID != id {
				t.Fatalf("session %s observed foreign message %s", id, m.SessionID)
			}
			if m.Role == statex.RoleUser && !strings.Contains(m.Text, id) {
				t.Fatalf("session %s observed foreign text %q", id, m.Text)
			}
		}
	}
}
