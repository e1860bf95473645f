/*
Spoold - composable mail processing engine.
Copyright © 2021-2023 Spoold contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package queue implements the retrying delivery queue: submitted mails are
attempted against the configured target multiple times until all recipients
succeed, following the configured delay schedule.

Failure status is determined on per-recipient basis:
- Delivery.Start fail handled as a failure for all recipients.
- Delivery.AddRcpt fail handled as a failure for the corresponding recipient.
- Delivery.Body fail handled as a failure for all recipients.
- If Delivery implements PartialDelivery, then
  PartialDelivery.BodyNonAtomic is used instead. Failures are determined based
  on StatusCollector.SetStatus calls done by target in this case.

For each failure check is done to see if it is a permanent failure
or a temporary one. This is done using exterrors.IsTemporaryOrUnspec.
That is, errors are assumed to be temporary by default.

If there are any *temporary* failed recipients, delivery will be retried
after delay *only for these* recipients. Recipients the target already
accepted are never sent to again. DNS failures are budgeted separately from
the main tries counter and paced with an exponential backoff.

Last error for each recipient is saved for reporting in the DSN. A DSN is
composed and handed to the bounce enqueuer when recipients fail permanently,
unless the message itself has a null reverse-path.
*/
package queue

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/jpillora/backoff"

	"github.com/spoold/spoold/framework/buffer"
	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/dsn"
	"github.com/spoold/spoold/internal/target"
)

// partialError describes state of partially successful message delivery.
type partialError struct {

	// Underlying error objects for each recipient.
	Errs map[string]error

	// Fields can be accessed without holding this lock, but only after
	// target.BodyNonAtomic/Body returns.
	statusLock *sync.Mutex
}

// SetStatus implements module.StatusCollector so partialError can be
// passed directly to PartialDelivery.BodyNonAtomic.
func (pe *partialError) SetStatus(rcptTo string, err error) {
	if err == nil {
		return
	}
	pe.statusLock.Lock()
	defer pe.statusLock.Unlock()
	pe.Errs[rcptTo] = err
}

func (pe partialError) Error() string {
	return fmt.Sprintf("delivery failed for some recipients: %v", pe.Errs)
}

// dontRecover controls the behavior of panic handlers, if it is set to true -
// they are disabled and so tests will panic to avoid masking bugs.
var dontRecover = false

type Config struct {
	// Target the queued mails are attempted against.
	Target module.DeliveryTarget

	// Schedule holds the delays between delivery attempts, see
	// ParseSchedule. Attempts past the end of the schedule reuse the last
	// delay. Defaults to "15m, 30m, 1h, 2h, 4h".
	Schedule []time.Duration

	// MaxTries limits the amount of delivery attempts per recipient. 20 if
	// zero.
	MaxTries int

	// MaxDNSTries limits the attempts that failed with a DNS error, these
	// are budgeted separately and paced with an exponential backoff. 3 if
	// zero.
	MaxDNSTries int

	// SendPartial permits delivering to a subset of recipients while
	// bouncing the rest. If false, a permanent failure of any recipient
	// fails all recipients still pending.
	SendPartial bool

	// Hostname is reported as the Reporting-MTA in DSNs.
	Hostname string

	// AutogenMsgDomain is the domain used in Message-Id and the sender of
	// generated DSNs. Required if Bounce is set.
	AutogenMsgDomain string

	// Bounce accepts composed DSN mails. No DSNs are generated if nil.
	Bounce module.Enqueuer

	// BounceState is the processor state DSN mails enter. "root" if empty.
	BounceState string

	// MaxParallelism restricts the count of deliveries attempted in
	// parallel. 16 if zero.
	MaxParallelism int

	// DNSBackoff overrides the pacing used for DNS-caused retries.
	DNSBackoff *backoff.Backoff

	Log log.Logger
}

type Queue struct {
	wheel *TimeWheel

	schedule    []time.Duration
	maxTries    int
	maxDNSTries int
	sendPartial bool

	hostname         string
	autogenMsgDomain string
	bounce           module.Enqueuer
	bounceState      string

	dnsBackoff *backoff.Backoff

	Log    log.Logger
	Target module.DeliveryTarget

	deliveryWg sync.WaitGroup
	// Buffered channel used to restrict count of deliveries attempted
	// in parallel.
	deliverySemaphore chan struct{}
}

type queueMeta struct {
	MsgMeta *module.MsgMetadata
	From    string

	// Recipients that should be tried next.
	To []string

	Header textproto.Header
	Body   buffer.Buffer

	// Information about previous failures.
	// Preserved to be included in a bounce message.
	// All errors are converted to SMTPError so they are directly usable
	// for bounce messages.
	RcptErrs map[string]*smtp.SMTPError

	// Amount of times delivery *already tried*.
	TriesCount map[string]int

	// Amount of attempts that failed due to a DNS problem.
	DNSTries map[string]int

	FirstAttempt time.Time
	LastAttempt  time.Time
}

// New builds the queue and starts its scheduler.
func New(cfg Config) (*Queue, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("queue: no delivery target configured")
	}
	if len(cfg.Schedule) == 0 {
		var err error
		cfg.Schedule, err = ParseSchedule("15m, 30m, 1h, 2h, 4h")
		if err != nil {
			panic(err)
		}
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 20
	}
	if cfg.MaxDNSTries == 0 {
		cfg.MaxDNSTries = 3
	}
	if cfg.MaxParallelism == 0 {
		cfg.MaxParallelism = 16
	}
	if cfg.Bounce != nil && cfg.AutogenMsgDomain == "" {
		return nil, fmt.Errorf("queue: autogenerated message domain is required if bounce is configured")
	}
	if cfg.BounceState == "" {
		cfg.BounceState = "root"
	}
	if cfg.DNSBackoff == nil {
		cfg.DNSBackoff = &backoff.Backoff{
			Min:    1 * time.Minute,
			Max:    1 * time.Hour,
			Factor: 2,
			Jitter: true,
		}
	}

	q := &Queue{
		schedule:         cfg.Schedule,
		maxTries:         cfg.MaxTries,
		maxDNSTries:      cfg.MaxDNSTries,
		sendPartial:      cfg.SendPartial,
		hostname:         cfg.Hostname,
		autogenMsgDomain: cfg.AutogenMsgDomain,
		bounce:           cfg.Bounce,
		bounceState:      cfg.BounceState,
		dnsBackoff:       cfg.DNSBackoff,
		Log:              cfg.Log,
		Target:           cfg.Target,
	}
	q.wheel = NewTimeWheel(q.dispatch)
	q.deliverySemaphore = make(chan struct{}, cfg.MaxParallelism)

	return q, nil
}

// Submit accepts the mail for delivery. The first attempt happens
// immediately. Ownership of the mail's body transfers to the queue.
func (q *Queue) Submit(_ context.Context, m *module.Mail) error {
	if len(m.RcptTo) == 0 {
		return fmt.Errorf("queue: no recipients")
	}

	meta := &queueMeta{
		MsgMeta:      m.Meta,
		From:         m.From,
		To:           m.RcptTo,
		Header:       m.Header,
		Body:         m.Body,
		RcptErrs:     map[string]*smtp.SMTPError{},
		TriesCount:   map[string]int{},
		DNSTries:     map[string]int{},
		FirstAttempt: time.Now(),
		LastAttempt:  time.Now(),
	}

	queuedMsgs.Inc()
	q.wheel.Add(time.Time{}, meta)
	return nil
}

// Len reports the amount of messages awaiting a (re)delivery attempt.
func (q *Queue) Len() int {
	return q.wheel.Len()
}

func (q *Queue) Close() error {
	q.wheel.Close()
	q.deliveryWg.Wait()

	return nil
}

func (q *Queue) dispatch(value TimeSlot) {
	meta := value.Value.(*queueMeta)

	q.Log.DebugMsg("starting delivery", "msg_id", meta.MsgMeta.ID)

	q.deliveryWg.Add(1)
	go func() {
		q.deliverySemaphore <- struct{}{}
		defer func() {
			<-q.deliverySemaphore
			q.deliveryWg.Done()

			if dontRecover {
				return
			}

			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during queue dispatch %s: %v\n%s", meta.MsgMeta.ID, err, stack)
				queuedMsgs.Dec()
			}
		}()

		q.tryDelivery(meta)
	}()
}

func toSMTPErr(err error) *smtp.SMTPError {
	if err == nil {
		return nil
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "Internal server error",
	}

	if exterrors.IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 0, 0}
	}

	ctxInfo := exterrors.Fields(err)
	ctxCode, ok := ctxInfo["smtp_code"].(int)
	if ok {
		res.Code = ctxCode
	}
	ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode)
	if ok {
		res.EnhancedCode = smtp.EnhancedCode(ctxEnchCode)
	}
	ctxMsg, ok := ctxInfo["smtp_msg"].(string)
	if ok {
		res.Message = ctxMsg
	}

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		res.Code = smtpErr.Code
		res.EnhancedCode = smtpErr.EnhancedCode
		res.Message = smtpErr.Message
	}

	return res
}

func (q *Queue) tryDelivery(meta *queueMeta) {
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)

	partialErr := q.deliver(meta)
	dl.DebugMsg("attempt finished", "errs", fmt.Sprint(partialErr.Errs))

	// While iterating the list of recipients we also pick the smallest tries
	// count and use it to calculate the delay for the next attempt.
	smallestTriesCount := 999999
	dnsOnly := true

	// Check attempted recipients and corresponding errors.
	// Split the list into two parts: recipients that should be retried
	// (newRcpts) and recipients the DSN will be generated for.
	newRcpts := make([]string, 0, len(partialErr.Errs))
	failedRcpts := make([]string, 0, len(partialErr.Errs))
	for _, rcpt := range meta.To {
		rcptErr, ok := partialErr.Errs[rcpt]
		if !ok {
			dl.Msg("delivered", "rcpt", rcpt, "attempt", meta.TriesCount[rcpt]+1)
			continue
		}

		// Save the last error (either temporary or permanent) for reporting in the DSN.
		dl.Error("delivery attempt failed", rcptErr, "rcpt", rcpt)
		meta.RcptErrs[rcpt] = toSMTPErr(rcptErr)

		temporary := exterrors.IsTemporaryOrUnspec(rcptErr)
		dnsProblem := exterrors.HasKind(rcptErr, "dns")
		if dnsProblem {
			meta.DNSTries[rcpt]++
		}

		if !temporary ||
			meta.TriesCount[rcpt]+1 == q.maxTries ||
			meta.DNSTries[rcpt] == q.maxDNSTries {
			delete(meta.TriesCount, rcpt)
			dl.Msg("not delivered, permanent error", "rcpt", rcpt)
			failedRcpts = append(failedRcpts, rcpt)
			continue
		}

		// Temporary error, increase the tries counter and requeue.
		meta.TriesCount[rcpt]++
		newRcpts = append(newRcpts, rcpt)
		if !dnsProblem {
			dnsOnly = false
		}

		// See smallestTriesCount comment.
		if count := meta.TriesCount[rcpt]; count < smallestTriesCount {
			smallestTriesCount = count
		}
	}

	if !q.sendPartial && len(failedRcpts) != 0 {
		// Atomic delivery requested: pending recipients fail together with
		// the permanently failed ones.
		for _, rcpt := range newRcpts {
			delete(meta.TriesCount, rcpt)
			dl.Msg("not delivered, atomic delivery failed", "rcpt", rcpt)
			failedRcpts = append(failedRcpts, rcpt)
		}
		newRcpts = newRcpts[:0]
	}

	// Generate DSN for recipients that failed permanently this time.
	if len(failedRcpts) != 0 {
		q.emitDSN(meta, failedRcpts)
	}
	// No recipients to try, either all failed or all succeeded.
	if len(newRcpts) == 0 {
		queuedMsgs.Dec()
		return
	}

	meta.To = newRcpts
	meta.LastAttempt = time.Now()

	var delay time.Duration
	if dnsOnly {
		// All remaining failures are DNS problems, these resolve on the DNS
		// side timescale, not ours.
		delay = q.dnsBackoff.ForAttempt(float64(smallestTriesCount))
	} else {
		delay = scheduleDelay(q.schedule, smallestTriesCount)
	}
	nextTryTime := time.Now().Add(delay)
	dl.Msg("will retry",
		"attempts_count", meta.TriesCount,
		"next_try_delay", delay,
		"rcpts", meta.To)

	q.wheel.Add(nextTryTime, meta)
}

func (q *Queue) deliver(meta *queueMeta) partialError {
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)
	perr := partialError{
		Errs:       map[string]error{},
		statusLock: new(sync.Mutex),
	}

	msgMeta := meta.MsgMeta.DeepCopy()
	msgMeta.ID = msgMeta.ID + "-" + strconv.FormatInt(time.Now().Unix(), 16)
	dl.DebugMsg("attempt", "attempt_id", msgMeta.ID)

	ctx := context.Background()
	delivery, err := q.Target.Start(ctx, msgMeta, meta.From)
	if err != nil {
		for _, rcpt := range meta.To {
			perr.Errs[rcpt] = err
		}
		return perr
	}

	var acceptedRcpts []string
	for _, rcpt := range meta.To {
		if err := delivery.AddRcpt(ctx, rcpt); err != nil {
			perr.Errs[rcpt] = err
		} else {
			acceptedRcpts = append(acceptedRcpts, rcpt)
		}
	}

	if len(acceptedRcpts) == 0 {
		if err := delivery.Abort(ctx); err != nil {
			dl.Error("delivery.Abort failed", err)
		}
		return perr
	}

	expandToPartialErr := func(err error) {
		for _, rcpt := range acceptedRcpts {
			perr.Errs[rcpt] = err
		}
	}

	partDelivery, ok := delivery.(module.PartialDelivery)
	if ok {
		partDelivery.BodyNonAtomic(ctx, &perr, meta.Header, meta.Body)
	} else {
		if err := delivery.Body(ctx, meta.Header, meta.Body); err != nil {
			expandToPartialErr(err)
		}
	}

	allFailed := true
	for _, rcpt := range acceptedRcpts {
		if perr.Errs[rcpt] == nil {
			allFailed = false
		}
	}
	if allFailed {
		// No recipients succeeded.
		if err := delivery.Abort(ctx); err != nil {
			dl.Error("delivery.Abort failed", err)
		}
		return perr
	}

	if err := delivery.Commit(ctx); err != nil {
		expandToPartialErr(err)
	}

	return perr
}

func (q *Queue) emitDSN(meta *queueMeta, failedRcpts []string) {
	// If, apparently, we have no bounce enqueuer configured - do nothing.
	if q.bounce == nil {
		return
	}

	// DSNs go to the current return-path: forwarding rewrites it to the
	// forwarder, so a bounce of a forwarded copy does not reach the
	// original sender. Null return-path, used in DSNs themselves, gets
	// no DSN at all.
	if meta.From == "" {
		return
	}

	dsnID, err := module.GenerateMsgID()
	if err != nil {
		q.Log.Error("cannot generate DSN ID", err)
		return
	}

	xsender := meta.MsgMeta.OriginalFrom
	if xsender == "" {
		xsender = meta.From
	}

	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + q.autogenMsgDomain + ">",
		From:  "MAILER-DAEMON@" + q.autogenMsgDomain,
		To:    meta.From,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    q.hostname,
		XSender:         xsender,
		XMessageID:      meta.MsgMeta.ID,
		ArrivalDate:     meta.FirstAttempt,
		LastAttemptDate: meta.LastAttempt,
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(failedRcpts))
	for _, rcpt := range failedRcpts {
		rcptErr := meta.RcptErrs[rcpt]
		// rcptErr is stored in RcptErrs using the effective recipient
		// address, not the original one.

		originalRcpt := meta.MsgMeta.OriginalRcpts[rcpt]
		if originalRcpt != "" {
			rcpt = originalRcpt
		}

		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         rcptErr.EnhancedCode,
			DiagnosticCode: rcptErr,
		})
	}

	var dsnBodyBlob bytes.Buffer
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)
	dsnHeader, err := dsn.GenerateDSN(meta.MsgMeta.SMTPOpts.UTF8, dsnEnvelope, mtaInfo, rcptInfo, meta.Header, &dsnBodyBlob)
	if err != nil {
		dl.Error("failed to generate fail DSN", err)
		return
	}

	dsnMail := &module.Mail{
		Meta: &module.MsgMetadata{
			ID: dsnID,
			SMTPOpts: smtp.MailOptions{
				UTF8:       meta.MsgMeta.SMTPOpts.UTF8,
				RequireTLS: meta.MsgMeta.SMTPOpts.RequireTLS,
			},
		},
		// Null reverse-path: failures of the DSN itself do not generate
		// more DSNs.
		From:   "",
		RcptTo: []string{meta.From},
		Header: dsnHeader,
		Body:   buffer.MemoryBuffer{Slice: dsnBodyBlob.Bytes()},
		State:  q.bounceState,
	}

	if err := q.bounce.Enqueue(context.Background(), dsnMail); err != nil {
		dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
		return
	}
	dl.Msg("generated failed DSN", "dsn_id", dsnID)
}
