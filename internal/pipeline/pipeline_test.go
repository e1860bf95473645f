package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/testutils"
)

type testMatcher struct {
	name string
	f    func(m *module.Mail) ([]string, error)
}

func (t testMatcher) Name() string { return t.name }
func (t testMatcher) Match(_ context.Context, m *module.Mail) ([]string, error) {
	return t.f(m)
}

func matchAll() testMatcher {
	return testMatcher{name: "All", f: func(m *module.Mail) ([]string, error) {
		return m.RcptTo, nil
	}}
}

func matchRcpt(rcpts ...string) testMatcher {
	return testMatcher{name: "RecipientIs", f: func(m *module.Mail) ([]string, error) {
		var res []string
		for _, r := range m.RcptTo {
			for _, want := range rcpts {
				if r == want {
					res = append(res, r)
				}
			}
		}
		return res, nil
	}}
}

func matchErr(err error) testMatcher {
	return testMatcher{name: "Failing", f: func(*module.Mail) ([]string, error) {
		return nil, err
	}}
}

type testMailet struct {
	name     string
	terminal bool
	f        func(m *module.Mail) ([]*module.Mail, error)
}

func (t testMailet) Name() string   { return t.name }
func (t testMailet) Terminal() bool { return t.terminal }
func (t testMailet) Service(_ context.Context, m *module.Mail) ([]*module.Mail, error) {
	return t.f(m)
}

type delivery struct {
	state   string
	from    string
	rcptTo  []string
	lastErr error
}

// sink is the terminal mailet used as the end of test states. It records
// what reached it and consumes all recipients.
type sink struct {
	deliveries []delivery
}

func (s *sink) mailet() testMailet {
	return testMailet{name: "Sink", terminal: true, f: func(m *module.Mail) ([]*module.Mail, error) {
		s.deliveries = append(s.deliveries, delivery{
			state:   m.State,
			from:    m.From,
			rcptTo:  append([]string(nil), m.RcptTo...),
			lastErr: m.Meta.LastErr,
		})
		m.RcptTo = nil
		return nil, nil
	}}
}

func toState(state string) testMailet {
	return testMailet{name: "ToProcessor", terminal: true, f: func(m *module.Mail) ([]*module.Mail, error) {
		m.State = state
		return nil, nil
	}}
}

func testMail(t *testing.T, state string, rcpts ...string) *module.Mail {
	t.Helper()
	m, err := module.NewMail(state)
	if err != nil {
		t.Fatal(err)
	}
	m.From = "sender@example.org"
	m.Meta.OriginalFrom = m.From
	m.RcptTo = rcpts
	return m
}

func mustPipeline(t *testing.T, states map[string][]Step) *Pipeline {
	t.Helper()
	p, err := New(Config{
		States: states,
		Log:    testutils.Logger(t, "pipeline"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProcess_SingleState(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root":  {{Matcher: matchAll(), Mailet: s.mailet()}},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org", "b@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(s.deliveries))
	}
	if !reflect.DeepEqual(s.deliveries[0].rcptTo, []string{"a@example.org", "b@example.org"}) {
		t.Errorf("wrong recipients: %v", s.deliveries[0].rcptTo)
	}
}

func TestProcess_PartialMatchSplit(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchRcpt("special@example.org"), Mailet: toState("special")},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"special": {{Matcher: matchAll(), Mailet: s.mailet()}},
		"error":   {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "special@example.org", "plain@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %+v", len(s.deliveries), s.deliveries)
	}
	for _, d := range s.deliveries {
		switch d.state {
		case "special":
			if !reflect.DeepEqual(d.rcptTo, []string{"special@example.org"}) {
				t.Errorf("wrong recipients in special: %v", d.rcptTo)
			}
		case "root":
			if !reflect.DeepEqual(d.rcptTo, []string{"plain@example.org"}) {
				t.Errorf("wrong recipients in root: %v", d.rcptTo)
			}
		default:
			t.Errorf("delivery in unexpected state: %s", d.state)
		}
	}
}

func TestProcess_PartialMatch_ChildResumesAtNextStep(t *testing.T) {
	s := sink{}
	firstStepCalls := 0
	tag := testMailet{name: "Tag", f: func(m *module.Mail) ([]*module.Mail, error) {
		firstStepCalls++
		return nil, nil
	}}

	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchRcpt("a@example.org"), Mailet: tag},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org", "b@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if firstStepCalls != 1 {
		t.Errorf("first step ran %d times, want 1", firstStepCalls)
	}
	if len(s.deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(s.deliveries))
	}
}

func TestProcess_ExtrasReenterPipeline(t *testing.T) {
	s := sink{}
	splitOff := testMailet{name: "Splitter", terminal: true, f: func(m *module.Mail) ([]*module.Mail, error) {
		extra, err := module.NewMail("special")
		if err != nil {
			return nil, err
		}
		extra.From = "notifier@example.org"
		extra.RcptTo = []string{"extra@example.org"}
		m.RcptTo = nil
		return []*module.Mail{extra}, nil
	}}

	p := mustPipeline(t, map[string][]Step{
		"root":    {{Matcher: matchAll(), Mailet: splitOff}},
		"special": {{Matcher: matchAll(), Mailet: s.mailet()}},
		"error":   {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "special" {
		t.Fatalf("expected 1 delivery in special, got %+v", s.deliveries)
	}
}

func TestProcess_MatcherErr_Propagate(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchErr(errors.New("boom")), Mailet: testMailet{name: "Never", f: func(*module.Mail) ([]*module.Mail, error) {
				t.Error("mailet of the failed step must not run")
				return nil, nil
			}}},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "error" {
		t.Fatalf("expected delivery in error state, got %+v", s.deliveries)
	}
	if s.deliveries[0].lastErr == nil {
		t.Error("LastErr is not set on the redirected mail")
	}
}

func TestProcess_MatcherErr_Ignore(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchErr(errors.New("boom")), Mailet: toState("error"), OnMatcherErr: PolicyIgnore},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "root" {
		t.Fatalf("expected delivery in root, got %+v", s.deliveries)
	}
}

func TestProcess_MatcherErr_MatchAll(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchErr(errors.New("boom")), Mailet: toState("special"), OnMatcherErr: PolicyMatchAll},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"special": {{Matcher: matchAll(), Mailet: s.mailet()}},
		"error":   {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "special" {
		t.Fatalf("expected delivery in special, got %+v", s.deliveries)
	}
}

func TestProcess_MatcherErr_NoMatch(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchErr(errors.New("boom")), Mailet: toState("error"), OnMatcherErr: PolicyNoMatch},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "root" {
		t.Fatalf("expected delivery in root, got %+v", s.deliveries)
	}
}

func TestProcess_MatcherErr_NamedState(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchErr(errors.New("boom")), Mailet: toState("error"), OnMatcherErr: "quarantine"},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"quarantine": {{Matcher: matchAll(), Mailet: s.mailet()}},
		"error":      {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "quarantine" {
		t.Fatalf("expected delivery in quarantine, got %+v", s.deliveries)
	}
}

func TestProcess_MailetErr_Propagate(t *testing.T) {
	s := sink{}
	failing := testMailet{name: "Failing", f: func(*module.Mail) ([]*module.Mail, error) {
		return nil, errors.New("boom")
	}}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchAll(), Mailet: failing},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "error" {
		t.Fatalf("expected delivery in error state, got %+v", s.deliveries)
	}
}

func TestProcess_MailetErr_NamedState(t *testing.T) {
	s := sink{}
	failing := testMailet{name: "Failing", f: func(*module.Mail) ([]*module.Mail, error) {
		return nil, errors.New("boom")
	}}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchAll(), Mailet: failing, OnMailetErr: "quarantine"},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"quarantine": {{Matcher: matchAll(), Mailet: s.mailet()}},
		"error":      {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "quarantine" {
		t.Fatalf("expected exactly one delivery in quarantine, got %+v", s.deliveries)
	}
	if s.deliveries[0].lastErr == nil {
		t.Error("mailet error was not recorded on the mail")
	}
}

func TestProcess_MailetErr_Ignore(t *testing.T) {
	s := sink{}
	failing := testMailet{name: "Failing", f: func(*module.Mail) ([]*module.Mail, error) {
		return nil, errors.New("boom")
	}}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchAll(), Mailet: failing, OnMailetErr: PolicyIgnore},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "root" {
		t.Fatalf("expected delivery in root, got %+v", s.deliveries)
	}
}

func TestProcess_MailetPanic_KindAndRouting(t *testing.T) {
	s := sink{}
	panicking := testMailet{name: "Panicking", f: func(*module.Mail) ([]*module.Mail, error) {
		panic("oops")
	}}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: matchAll(), Mailet: panicking},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "error" {
		t.Fatalf("expected delivery in error state, got %+v", s.deliveries)
	}
	if !exterrors.HasKind(s.deliveries[0].lastErr, "panic") {
		t.Errorf("LastErr should carry the panic kind, got %v", s.deliveries[0].lastErr)
	}
}

func TestProcess_MatcherPanic_Ignored(t *testing.T) {
	s := sink{}
	panicking := testMatcher{name: "Panicking", f: func(*module.Mail) ([]string, error) {
		panic("oops")
	}}
	p := mustPipeline(t, map[string][]Step{
		"root": {
			{Matcher: panicking, Mailet: toState("error"), OnMatcherErr: PolicyIgnore},
			{Matcher: matchAll(), Mailet: s.mailet()},
		},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "root" {
		t.Fatalf("expected delivery in root, got %+v", s.deliveries)
	}
}

func TestProcess_ErrorInsideErrorState_Drops(t *testing.T) {
	s := sink{}
	failing := testMailet{name: "Failing", terminal: true, f: func(*module.Mail) ([]*module.Mail, error) {
		return nil, errors.New("boom")
	}}
	p := mustPipeline(t, map[string][]Step{
		"root":  {{Matcher: matchAll(), Mailet: toState("error")}},
		"error": {{Matcher: matchAll(), Mailet: failing}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(s.deliveries) != 0 {
		t.Errorf("unexpected deliveries: %+v", s.deliveries)
	}
}

func TestProcess_UnknownRuntimeState(t *testing.T) {
	s := sink{}
	p := mustPipeline(t, map[string][]Step{
		"root":  {{Matcher: matchAll(), Mailet: toState("no-such-state")}},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	})

	m := testMail(t, "root", "a@example.org")
	if err := p.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(s.deliveries) != 1 || s.deliveries[0].state != "error" {
		t.Fatalf("expected delivery in error state, got %+v", s.deliveries)
	}
	if !exterrors.HasKind(s.deliveries[0].lastErr, "pipeline") {
		t.Errorf("LastErr should carry the pipeline kind, got %v", s.deliveries[0].lastErr)
	}
}

func TestProcess_TransitionCap(t *testing.T) {
	p := mustPipeline(t, map[string][]Step{
		"ping":  {{Matcher: matchAll(), Mailet: toState("pong")}},
		"pong":  {{Matcher: matchAll(), Mailet: toState("ping")}},
		"error": {{Matcher: matchAll(), Mailet: toState("ping")}},
	})

	m := testMail(t, "ping", "a@example.org")
	err := p.Process(context.Background(), m)
	if err == nil {
		t.Fatal("expected an error for the ping-pong configuration")
	}
	if !exterrors.HasKind(err, "pipeline") {
		t.Errorf("expected the pipeline kind, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	s := sink{}
	valid := map[string][]Step{
		"root":  {{Matcher: matchAll(), Mailet: s.mailet()}},
		"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
	}
	if _, err := New(Config{States: valid}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	for name, states := range map[string]map[string][]Step{
		"no error state": {
			"root": {{Matcher: matchAll(), Mailet: s.mailet()}},
		},
		"empty state": {
			"root":  {},
			"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
		},
		"non-terminal last step": {
			"root":  {{Matcher: matchAll(), Mailet: testMailet{name: "Tag", f: func(*module.Mail) ([]*module.Mail, error) { return nil, nil }}}},
			"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
		},
		"non-catch-all last step": {
			"root":  {{Matcher: matchRcpt("a@example.org"), Mailet: s.mailet()}},
			"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
		},
		"unknown policy target": {
			"root":  {{Matcher: matchAll(), Mailet: s.mailet(), OnMailetErr: "no-such-state"}},
			"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
		},
		"matchall policy on mailet": {
			"root":  {{Matcher: matchAll(), Mailet: s.mailet(), OnMailetErr: PolicyMatchAll}},
			"error": {{Matcher: matchAll(), Mailet: s.mailet()}},
		},
		"reserved state name": {
			"ignore": {{Matcher: matchAll(), Mailet: s.mailet()}},
			"error":  {{Matcher: matchAll(), Mailet: s.mailet()}},
		},
	} {
		if _, err := New(Config{States: states}); err == nil {
			t.Errorf("%s: config was not rejected", name)
		}
	}
}
