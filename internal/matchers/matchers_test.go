package matchers

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/module"
)

func testMail(t *testing.T, from string, rcptTo ...string) *module.Mail {
	t.Helper()
	m, err := module.NewMail("root")
	if err != nil {
		t.Fatal(err)
	}
	m.From = from
	m.RcptTo = rcptTo
	return m
}

func checkMatch(t *testing.T, matcher module.Matcher, m *module.Mail, want []string) {
	t.Helper()
	got, err := matcher.Match(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: want %v, got %v", matcher.Name(), want, got)
	}
}

func TestAll(t *testing.T) {
	m := testMail(t, "from@example.org", "a@example.com", "b@example.com")
	checkMatch(t, All{}, m, []string{"a@example.com", "b@example.com"})
}

func TestSenderIs(t *testing.T) {
	matcher, err := NewSenderIs("boss@example.org, other@example.org")
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "BOSS@EXAMPLE.ORG", "a@example.com")
	checkMatch(t, matcher, m, []string{"a@example.com"})

	m = testMail(t, "nobody@example.org", "a@example.com")
	checkMatch(t, matcher, m, nil)
}

func TestSenderIs_NullReversePath(t *testing.T) {
	matcher, err := NewSenderIs("<>")
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "", "a@example.com")
	checkMatch(t, matcher, m, []string{"a@example.com"})

	m = testMail(t, "someone@example.org", "a@example.com")
	checkMatch(t, matcher, m, nil)
}

func TestRecipientIs(t *testing.T) {
	matcher, err := NewRecipientIs("a@example.com")
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "from@example.org", "A@example.com", "b@example.com")
	checkMatch(t, matcher, m, []string{"A@example.com"})
}

func TestHostIs(t *testing.T) {
	matcher, err := NewHostIs("example.com")
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "from@example.org",
		"a@EXAMPLE.COM", "b@example.org", "c@example.com")
	checkMatch(t, matcher, m, []string{"a@EXAMPLE.COM", "c@example.com"})
}

func TestHasException(t *testing.T) {
	matcher, err := NewHasException("panic")
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "from@example.org", "a@example.com")
	checkMatch(t, matcher, m, nil)

	m.Meta.LastErr = exterrors.WithKind(errors.New("boom"), "panic")
	checkMatch(t, matcher, m, []string{"a@example.com"})

	m.Meta.LastErr = exterrors.WithKind(errors.New("boom"), "rewrite")
	checkMatch(t, matcher, m, nil)
}

func TestHasException_AnyError(t *testing.T) {
	matcher, err := NewHasException("")
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "from@example.org", "a@example.com")
	checkMatch(t, matcher, m, nil)

	// Errors with no kind annotation do not match even the empty pattern,
	// KindMatches requires at least one annotation.
	m.Meta.LastErr = errors.New("boom")
	checkMatch(t, matcher, m, nil)

	m.Meta.LastErr = exterrors.WithKind(errors.New("boom"), "delivery")
	checkMatch(t, matcher, m, []string{"a@example.com"})
}

func TestRegisterInto(t *testing.T) {
	reg := module.NewRegistry()
	RegisterInto(reg)
	reg.Seal()

	for _, c := range []struct{ name, cond string }{
		{"All", ""},
		{"SenderIs", "a@example.org"},
		{"RecipientIs", "a@example.org"},
		{"HostIs", "example.org"},
		{"HasException", "panic"},
	} {
		matcher, err := reg.NewMatcher(c.name, c.cond)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if matcher.Name() != c.name {
			t.Errorf("wrong name: %s", matcher.Name())
		}
	}

	if _, err := reg.NewMatcher("SenderIs", ""); err == nil {
		t.Error("SenderIs with empty condition: expected an error")
	}
}
