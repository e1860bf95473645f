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

package mailets

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/spoold/spoold/framework/buffer"
	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/dsn"
)

// Bounce composes a DSN for the mail's recorded failure and re-injects it
// into the pipeline at the configured state. Used inside the error state to
// report mails that failed during processing (the retry queue composes its
// own DSNs for delivery failures).
//
// Mails with a null reverse-path are dropped instead, a failure notice about
// a failure notice would loop.
type Bounce struct {
	enqueuer         module.Enqueuer
	hostname         string
	autogenMsgDomain string
	state            string

	log log.Logger
}

func NewBounce(deps Deps, opts map[string]string) (*Bounce, error) {
	if deps.Spool == nil {
		return nil, errors.New("Bounce: no spool is configured")
	}
	if deps.Hostname == "" || deps.AutogenMsgDomain == "" {
		return nil, errors.New("Bounce: hostname and autogenerated message domain are required")
	}
	state := opts["bounceProcessor"]
	if state == "" {
		state = "bounces"
	}
	return &Bounce{
		enqueuer:         deps.Spool,
		hostname:         deps.Hostname,
		autogenMsgDomain: deps.AutogenMsgDomain,
		state:            state,
		log:              deps.Log,
	}, nil
}

func (Bounce) Name() string   { return "Bounce" }
func (Bounce) Terminal() bool { return true }

func (b *Bounce) Service(ctx context.Context, m *module.Mail) ([]*module.Mail, error) {
	rcpts := m.RcptTo
	m.RcptTo = nil

	// DSNs go to the current return-path: forwarding rewrites it to the
	// forwarder, so a bounce of a forwarded copy does not reach the
	// original sender.
	sender := m.From
	if sender == "" {
		b.log.Msg("dropping mail with a null reverse-path instead of bouncing",
			"msg_id", m.Meta.ID)
		return nil, nil
	}

	xsender := m.Meta.OriginalFrom
	if xsender == "" {
		xsender = m.From
	}

	dsnID, err := module.GenerateMsgID()
	if err != nil {
		return nil, err
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(rcpts))
	status := statusForErr(m.Meta.LastErr)
	for _, rcpt := range rcpts {
		if original := m.Meta.OriginalRcpts[rcpt]; original != "" {
			rcpt = original
		}
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         status.EnhancedCode,
			DiagnosticCode: status,
		})
	}

	envelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + b.autogenMsgDomain + ">",
		From:  "MAILER-DAEMON@" + b.autogenMsgDomain,
		To:    sender,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    b.hostname,
		XSender:         xsender,
		XMessageID:      m.Meta.ID,
		ArrivalDate:     time.Now(),
		LastAttemptDate: time.Now(),
	}

	var dsnBody bytes.Buffer
	dsnHeader, err := dsn.GenerateDSN(m.Meta.SMTPOpts.UTF8, envelope, mtaInfo, rcptInfo, m.Header, &dsnBody)
	if err != nil {
		return nil, err
	}

	dsnMail := &module.Mail{
		Meta: &module.MsgMetadata{
			ID: dsnID,
			SMTPOpts: smtp.MailOptions{
				UTF8:       m.Meta.SMTPOpts.UTF8,
				RequireTLS: m.Meta.SMTPOpts.RequireTLS,
			},
		},
		// Null reverse-path: failures of the DSN itself do not generate
		// more DSNs.
		From:   "",
		RcptTo: []string{sender},
		Header: dsnHeader,
		Body:   buffer.MemoryBuffer{Slice: dsnBody.Bytes()},
		State:  b.state,
	}

	if err := b.enqueuer.Enqueue(ctx, dsnMail); err != nil {
		m.RcptTo = rcpts
		return nil, err
	}

	b.log.Msg("generated failed DSN", "msg_id", m.Meta.ID, "dsn_id", dsnID)
	return nil, nil
}

// statusForErr converts an arbitrary processing error into the SMTP status
// reported in the DSN. Errors annotated with an SMTP status (see
// exterrors.SMTPError) are reported as-is, for the rest a generic status is
// derived from the temporariness of the failure.
func statusForErr(err error) *smtp.SMTPError {
	if err == nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 0, 0},
			Message:      "Internal server error",
		}
	}

	fields := exterrors.Fields(err)

	res := &smtp.SMTPError{}
	if exterrors.IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 0, 0}
	} else {
		res.Code = 554
		res.EnhancedCode = smtp.EnhancedCode{5, 0, 0}
	}
	if val, ok := fields["smtp_code"].(int); ok {
		res.Code = val
	}
	if val, ok := fields["smtp_enchcode"].(exterrors.EnhancedCode); ok {
		res.EnhancedCode = smtp.EnhancedCode(val)
	}
	if val, ok := fields["smtp_msg"].(string); ok {
		res.Message = val
	} else {
		res.Message = err.Error()
	}

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		return smtpErr
	}

	return res
}
