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

package module

import (
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/spoold/spoold/framework/address"
	"github.com/spoold/spoold/framework/buffer"
)

// MsgMetadata is the set of message properties that is carried next to the
// envelope through the whole processing path, including the outbound queue.
type MsgMetadata struct {
	// Unique identifier for the message. Randomly generated when the
	// message enters the system and preserved across requeues and splits.
	ID string

	// Original sender address (envelope), as seen when the message entered
	// the system, before any rewrites. Reported in DSNs; the DSN itself is
	// addressed to the current return-path.
	OriginalFrom string

	// Maps effective recipient addresses to the original ones as they were
	// before rewriting. Used for reporting in DSNs.
	OriginalRcpts map[string]string

	// SMTP extension options the message was received with. Relevant
	// values are forwarded as-is on outbound delivery.
	SMTPOpts smtp.MailOptions

	// Last processing error recorded for the message. Failure matching in
	// the pipeline dispatches on its kind chain (see exterrors.WithKind).
	// Not serialized.
	LastErr error `json:"-"`
}

// DeepCopy creates a copy of the MsgMetadata structure, including contained
// maps.
func (msgMeta *MsgMetadata) DeepCopy() *MsgMetadata {
	cpy := *msgMeta
	cpy.OriginalRcpts = make(map[string]string, len(msgMeta.OriginalRcpts))
	for k, v := range msgMeta.OriginalRcpts {
		cpy.OriginalRcpts[k] = v
	}
	return &cpy
}

// Mail is the unit of work of the processing pipeline: a message body
// together with its envelope and the mutable processing state.
//
// A Mail object is owned by exactly one goroutine at a time. Ownership is
// transferred on spool enqueue. The Body buffer is shared between split
// copies and must be treated as immutable.
type Mail struct {
	Meta *MsgMetadata

	// Envelope sender. Empty string is the null return path used by
	// delivery status notifications.
	From string

	// Pending envelope recipients, in insertion order, deduplicated
	// case-insensitively. Components consume recipients they have fully
	// handled by removing them from this slice.
	RcptTo []string

	Header textproto.Header
	Body   buffer.Buffer

	// Name of the processor state the mail is in.
	State string

	// Free-form annotations set by matchers and mailets.
	Attributes map[string]interface{}
}

// NewMail creates an empty Mail in the given state with a fresh message ID.
func NewMail(state string) (*Mail, error) {
	id, err := GenerateMsgID()
	if err != nil {
		return nil, err
	}
	return &Mail{
		Meta:       &MsgMetadata{ID: id},
		State:      state,
		Attributes: map[string]interface{}{},
	}, nil
}

// AddRcpt appends the recipient unless an equivalent address (as defined by
// address.Equal) is already present.
func (m *Mail) AddRcpt(rcpt string) {
	for _, existing := range m.RcptTo {
		if address.Equal(existing, rcpt) {
			return
		}
	}
	m.RcptTo = append(m.RcptTo, rcpt)
}

// Split creates an independent copy of the mail carrying only the passed
// recipients, removing them from the original. The header and attributes are
// copied, the body buffer is shared.
func (m *Mail) Split(rcpts []string) *Mail {
	taken := make([]string, 0, len(rcpts))
	remaining := make([]string, 0, len(m.RcptTo))
	for _, rcpt := range m.RcptTo {
		split := false
		for _, want := range rcpts {
			if address.Equal(rcpt, want) {
				split = true
				break
			}
		}
		if split {
			taken = append(taken, rcpt)
		} else {
			remaining = append(remaining, rcpt)
		}
	}
	m.RcptTo = remaining

	attrs := make(map[string]interface{}, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}

	return &Mail{
		Meta:       m.Meta.DeepCopy(),
		From:       m.From,
		RcptTo:     taken,
		Header:     m.Header.Copy(),
		Body:       m.Body,
		State:      m.State,
		Attributes: attrs,
	}
}

// GenerateMsgID generates a unique message ID usable for logging and
// Message-Id header.
func GenerateMsgID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}
