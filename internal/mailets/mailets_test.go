package mailets

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/spoold/spoold/framework/buffer"
	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/repository"
	"github.com/spoold/spoold/internal/rewrite"
	"github.com/spoold/spoold/internal/testutils"
)

func testMail(t *testing.T, from string, rcptTo ...string) *module.Mail {
	t.Helper()
	m, err := module.NewMail("root")
	if err != nil {
		t.Fatal(err)
	}
	m.From = from
	m.RcptTo = rcptTo
	m.Header.Add("B", "2")
	m.Header.Add("A", "1")
	m.Body = buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
	return m
}

type spoolRecorder struct {
	lock  sync.Mutex
	mails []*module.Mail
	err   error
}

func (sr *spoolRecorder) Enqueue(_ context.Context, m *module.Mail) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	if sr.err != nil {
		return sr.err
	}
	sr.mails = append(sr.mails, m)
	return nil
}

func TestToProcessor(t *testing.T) {
	mailet, err := NewToProcessor(map[string]string{"processor": "transport"})
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "sender@example.org", "rcpt@example.com")
	extras, err := mailet.Service(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if len(extras) != 0 {
		t.Errorf("unexpected extra mails: %v", extras)
	}
	if m.State != "transport" {
		t.Errorf("wrong state: %s", m.State)
	}
	if len(m.RcptTo) != 1 {
		t.Errorf("recipients should be untouched, got %v", m.RcptTo)
	}

	if _, err := NewToProcessor(map[string]string{}); err == nil {
		t.Error("expected an error for a missing processor option")
	}
}

func TestNull(t *testing.T) {
	m := testMail(t, "sender@example.org", "rcpt@example.com")
	if _, err := (Null{}).Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(m.RcptTo) != 0 {
		t.Errorf("recipients not consumed: %v", m.RcptTo)
	}
}

func TestToRepository(t *testing.T) {
	repo := repository.NewMemory()
	mailet, err := NewToRepository(repo, map[string]string{"repositoryPath": "spam"})
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "sender@example.org", "rcpt@example.com")
	if _, err := mailet.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(m.RcptTo) != 0 {
		t.Errorf("recipients not consumed: %v", m.RcptTo)
	}
	if !mailet.Terminal() {
		t.Error("ToRepository without passThrough must be terminal")
	}

	stored, err := repo.Get(context.Background(), "spam", m.Meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stored.RcptTo, []string{"rcpt@example.com"}) {
		t.Errorf("wrong stored recipients: %v", stored.RcptTo)
	}
}

func TestToRepository_PassThrough(t *testing.T) {
	repo := repository.NewMemory()
	mailet, err := NewToRepository(repo, map[string]string{
		"repositoryPath": "archive",
		"passThrough":    "true",
	})
	if err != nil {
		t.Fatal(err)
	}
	if mailet.Terminal() {
		t.Error("passThrough ToRepository must not be terminal")
	}

	m := testMail(t, "sender@example.org", "rcpt@example.com")
	if _, err := mailet.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.RcptTo, []string{"rcpt@example.com"}) {
		t.Errorf("recipients must be kept: %v", m.RcptTo)
	}

	count, err := repo.Count(context.Background(), "archive")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("wrong stored count: %d", count)
	}
}

func TestLocalDelivery(t *testing.T) {
	repo := repository.NewMemory()
	mailet, err := NewLocalDelivery(repo, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "sender@example.org", "a@example.com", "B@example.com")
	if _, err := mailet.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(m.RcptTo) != 0 {
		t.Errorf("recipients not consumed: %v", m.RcptTo)
	}

	for _, mailbox := range []string{"mailbox/a@example.com", "mailbox/b@example.com"} {
		count, err := repo.Count(context.Background(), mailbox)
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("%s: wrong count: %d", mailbox, count)
		}
	}
}

func testRewriteMailet(t *testing.T, mappings ...rewrite.Mapping) *RecipientRewrite {
	t.Helper()

	store := rewrite.NewMemoryStore()
	for _, mapping := range mappings {
		if err := store.AddMapping(context.Background(), mapping); err != nil {
			t.Fatal(err)
		}
	}
	resolver := &rewrite.Resolver{Store: store, Log: testutils.Logger(t, "rewrite")}

	mailet, err := NewRecipientRewrite(resolver, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	return mailet
}

func TestRecipientRewrite_Alias(t *testing.T) {
	mailet := testRewriteMailet(t, rewrite.Mapping{
		Kind: rewrite.Alias, Source: "old@example.com", Target: "new@example.com",
	})

	m := testMail(t, "sender@example.org", "old@example.com", "other@example.com")
	extras, err := mailet.Service(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if len(extras) != 0 {
		t.Errorf("unexpected extra mails: %v", extras)
	}

	sort.Strings(m.RcptTo)
	if !reflect.DeepEqual(m.RcptTo, []string{"new@example.com", "other@example.com"}) {
		t.Errorf("wrong recipients: %v", m.RcptTo)
	}
	if m.Meta.OriginalRcpts["new@example.com"] != "old@example.com" {
		t.Errorf("original recipient not recorded: %v", m.Meta.OriginalRcpts)
	}
}

func TestRecipientRewrite_ForwardSplit(t *testing.T) {
	mailet := testRewriteMailet(t, rewrite.Mapping{
		Kind: rewrite.Forward, Source: "fwd@example.com", Target: "target@remote.example",
	})

	m := testMail(t, "sender@example.org", "fwd@example.com", "plain@example.com")
	extras, err := mailet.Service(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(m.RcptTo, []string{"plain@example.com"}) {
		t.Errorf("wrong recipients on the original mail: %v", m.RcptTo)
	}
	if m.From != "sender@example.org" {
		t.Errorf("original sender must be kept: %s", m.From)
	}

	if len(extras) != 1 {
		t.Fatalf("expected 1 forwarded mail, got %d", len(extras))
	}
	fwd := extras[0]
	if fwd.From != "fwd@example.com" {
		t.Errorf("forwarded envelope sender must be the forwarder: %s", fwd.From)
	}
	if !reflect.DeepEqual(fwd.RcptTo, []string{"target@remote.example"}) {
		t.Errorf("wrong forwarded recipients: %v", fwd.RcptTo)
	}
	if fwd.State != "root" {
		t.Errorf("forwarded mail must stay in the current state: %s", fwd.State)
	}
}

func TestRecipientRewrite_KeepCopy(t *testing.T) {
	mailet := testRewriteMailet(t, rewrite.Mapping{
		Kind: rewrite.Forward, Source: "fwd@example.com", Target: "target@remote.example",
		KeepCopy: true,
	})

	m := testMail(t, "sender@example.org", "fwd@example.com")
	extras, err := mailet.Service(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(m.RcptTo, []string{"fwd@example.com"}) {
		t.Errorf("kept copy must stay on the original mail: %v", m.RcptTo)
	}
	if len(extras) != 1 || !reflect.DeepEqual(extras[0].RcptTo, []string{"target@remote.example"}) {
		t.Fatalf("expected the forwarded copy as an extra mail, got %v", extras)
	}
}

func TestRecipientRewrite_ErrorMapping(t *testing.T) {
	mailet := testRewriteMailet(t, rewrite.Mapping{
		Kind: rewrite.Error, Source: "gone@example.com", Target: "550 5.1.1 User moved away",
	})

	m := testMail(t, "sender@example.org", "gone@example.com", "ok@example.com")
	extras, err := mailet.Service(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(m.RcptTo, []string{"ok@example.com"}) {
		t.Errorf("wrong recipients on the original mail: %v", m.RcptTo)
	}

	if len(extras) != 1 {
		t.Fatalf("expected 1 failed mail, got %d", len(extras))
	}
	failed := extras[0]
	if failed.State != "error" {
		t.Errorf("failed mail must go to the error state: %s", failed.State)
	}
	if !reflect.DeepEqual(failed.RcptTo, []string{"gone@example.com"}) {
		t.Errorf("wrong failed recipients: %v", failed.RcptTo)
	}
	if failed.Meta.LastErr == nil || !exterrors.HasKind(failed.Meta.LastErr, "rewrite") {
		t.Errorf("rewrite failure not recorded: %v", failed.Meta.LastErr)
	}
}

type submitRecorder struct {
	mails []*module.Mail
	err   error
}

func (sr *submitRecorder) Submit(_ context.Context, m *module.Mail) error {
	if sr.err != nil {
		return sr.err
	}
	sr.mails = append(sr.mails, m)
	return nil
}

func TestRemoteDelivery_SubmitsAndConsumes(t *testing.T) {
	rec := &submitRecorder{}
	mailet, err := NewRemoteDelivery(rec)
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "sender@example.org", "rcpt@example.com")
	if _, err := mailet.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(m.RcptTo) != 0 {
		t.Errorf("recipients not consumed: %v", m.RcptTo)
	}
	if len(rec.mails) != 1 || !reflect.DeepEqual(rec.mails[0].RcptTo, []string{"rcpt@example.com"}) {
		t.Fatalf("wrong submitted mails: %v", rec.mails)
	}
}

func TestRemoteDelivery_SubmitErr(t *testing.T) {
	rec := &submitRecorder{err: errors.New("queue is full")}
	mailet, err := NewRemoteDelivery(rec)
	if err != nil {
		t.Fatal(err)
	}

	m := testMail(t, "sender@example.org", "rcpt@example.com")
	if _, err := mailet.Service(context.Background(), m); err == nil {
		t.Fatal("expected an error, got none")
	}
	if !reflect.DeepEqual(m.RcptTo, []string{"rcpt@example.com"}) {
		t.Errorf("recipients must be restored on failure: %v", m.RcptTo)
	}
}

func testBounce(t *testing.T, spool module.Enqueuer) *Bounce {
	t.Helper()
	mailet, err := NewBounce(Deps{
		Spool:            spool,
		Hostname:         "mx.example.org",
		AutogenMsgDomain: "example.org",
		Log:              testutils.Logger(t, "bounce"),
	}, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	return mailet
}

func TestBounce(t *testing.T) {
	spool := &spoolRecorder{}
	mailet := testBounce(t, spool)

	m := testMail(t, "sender@example.org", "gone@example.com")
	m.Meta.OriginalFrom = "sender@example.org"
	m.Meta.LastErr = &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "User unknown",
	}

	if _, err := mailet.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(m.RcptTo) != 0 {
		t.Errorf("recipients not consumed: %v", m.RcptTo)
	}

	if len(spool.mails) != 1 {
		t.Fatalf("expected 1 DSN, got %d", len(spool.mails))
	}
	dsnMail := spool.mails[0]
	if dsnMail.From != "" {
		t.Errorf("DSN must have a null reverse-path, got %q", dsnMail.From)
	}
	if !reflect.DeepEqual(dsnMail.RcptTo, []string{"sender@example.org"}) {
		t.Errorf("DSN must go to the original sender: %v", dsnMail.RcptTo)
	}
	if dsnMail.State != "bounces" {
		t.Errorf("wrong DSN state: %s", dsnMail.State)
	}
	if !strings.HasPrefix(dsnMail.Header.Get("Content-Type"), "multipart/report") {
		t.Errorf("wrong DSN Content-Type: %s", dsnMail.Header.Get("Content-Type"))
	}

	body, err := dsnMail.Body.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	blob := make([]byte, 16*1024)
	n, _ := body.Read(blob)
	text := string(blob[:n])
	for _, needle := range []string{
		"Final-Recipient: rfc822; gone@example.com",
		"Action: failed",
		"Status: 5.1.1",
	} {
		if !strings.Contains(text, needle) {
			t.Errorf("DSN body lacks %q", needle)
		}
	}
}

func TestBounce_ForwardedCopy_DSNToForwarder(t *testing.T) {
	spool := &spoolRecorder{}
	mailet := testBounce(t, spool)

	// A forwarded copy carries the forwarder as its return-path while
	// OriginalFrom still names the pre-forward sender. The bounce belongs
	// to the forwarder.
	m := testMail(t, "forwarder@example.org", "target@example.com")
	m.Meta.OriginalFrom = "sender@example.org"
	m.Meta.LastErr = &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "User unknown",
	}

	if _, err := mailet.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	if len(spool.mails) != 1 {
		t.Fatalf("expected 1 DSN, got %d", len(spool.mails))
	}
	if !reflect.DeepEqual(spool.mails[0].RcptTo, []string{"forwarder@example.org"}) {
		t.Errorf("DSN must go to the forwarder: %v", spool.mails[0].RcptTo)
	}
}

func TestBounce_NullReversePath_Dropped(t *testing.T) {
	spool := &spoolRecorder{}
	mailet := testBounce(t, spool)

	m := testMail(t, "", "gone@example.com")
	if _, err := mailet.Service(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(m.RcptTo) != 0 {
		t.Errorf("recipients not consumed: %v", m.RcptTo)
	}
	if len(spool.mails) != 0 {
		t.Error("DSN was generated for a mail with a null reverse-path")
	}
}

func TestRegisterInto(t *testing.T) {
	reg := module.NewRegistry()
	RegisterInto(reg, Deps{
		Queue:            &submitRecorder{},
		Spool:            &spoolRecorder{},
		Repo:             repository.NewMemory(),
		Rewriter:         &rewrite.Resolver{Store: rewrite.NewMemoryStore()},
		Hostname:         "mx.example.org",
		AutogenMsgDomain: "example.org",
	})
	reg.Seal()

	for _, c := range []struct {
		name string
		opts map[string]string
	}{
		{"ToProcessor", map[string]string{"processor": "transport"}},
		{"Null", nil},
		{"ToRepository", map[string]string{"repositoryPath": "spam"}},
		{"LocalDelivery", nil},
		{"RecipientRewrite", nil},
		{"RemoteDelivery", nil},
		{"Bounce", nil},
	} {
		mailet, err := reg.NewMailet(c.name, c.opts)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if mailet.Name() != c.name {
			t.Errorf("wrong name: %s", mailet.Name())
		}
	}
}
