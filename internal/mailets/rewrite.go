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
	"context"
	"errors"

	"github.com/spoold/spoold/framework/address"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/rewrite"
)

// RecipientRewrite applies the rewrite mapping store to every recipient of
// the mail.
//
// Plain resolution results replace the recipient in place. Forwarded results
// are split off into separate mails whose envelope sender is the forwarder,
// one mail per distinct forwarder, so bounces of the forwarded copy go back
// to the forwarding address and not the original sender. Error results are
// split off into the error state with the failure recorded on the mail.
type RecipientRewrite struct {
	resolver   *rewrite.Resolver
	errorState string
}

func NewRecipientRewrite(resolver *rewrite.Resolver, opts map[string]string) (*RecipientRewrite, error) {
	if resolver == nil {
		return nil, errors.New("RecipientRewrite: no mapping store is configured")
	}
	errorState := opts["errorProcessor"]
	if errorState == "" {
		errorState = "error"
	}
	return &RecipientRewrite{resolver: resolver, errorState: errorState}, nil
}

func (RecipientRewrite) Name() string { return "RecipientRewrite" }

func (t *RecipientRewrite) Service(ctx context.Context, m *module.Mail) ([]*module.Mail, error) {
	var (
		plain   []string
		senders []string
		byFwder = map[string][]string{}
		failed  []rewrite.Result
	)

	for _, rcpt := range m.RcptTo {
		results, err := t.resolver.Resolve(ctx, rcpt)
		if err != nil {
			return nil, err
		}

		for _, res := range results {
			if res.Err != nil {
				failed = append(failed, res)
				continue
			}
			if !address.Equal(res.Addr, rcpt) {
				recordOriginal(m.Meta, res.Addr, rcpt)
			}
			if res.Forwarded {
				if _, seen := byFwder[res.Sender]; !seen {
					senders = append(senders, res.Sender)
				}
				byFwder[res.Sender] = append(byFwder[res.Sender], res.Addr)
				continue
			}
			plain = append(plain, res.Addr)
		}
	}

	m.RcptTo = nil
	for _, addr := range plain {
		m.AddRcpt(addr)
	}

	var extras []*module.Mail
	for _, sender := range senders {
		child := mailCopy(m, nil, sender)
		for _, addr := range byFwder[sender] {
			child.AddRcpt(addr)
		}
		extras = append(extras, child)
	}
	for _, res := range failed {
		child := mailCopy(m, []string{res.Addr}, m.From)
		child.State = t.errorState
		child.Meta.LastErr = res.Err
		extras = append(extras, child)
	}

	return extras, nil
}

// recordOriginal remembers the pre-rewrite recipient so DSNs can report the
// address the sender actually used. Only the first rewrite is recorded, a
// later step must not overwrite it.
func recordOriginal(meta *module.MsgMetadata, newAddr, prevAddr string) {
	if meta.OriginalRcpts == nil {
		meta.OriginalRcpts = map[string]string{}
	}
	original := prevAddr
	if earlier := meta.OriginalRcpts[prevAddr]; earlier != "" {
		original = earlier
	}
	if meta.OriginalRcpts[newAddr] == "" {
		meta.OriginalRcpts[newAddr] = original
	}
}

// mailCopy builds an independent mail carrying the given envelope, sharing
// the body buffer with the original.
func mailCopy(m *module.Mail, rcptTo []string, from string) *module.Mail {
	attrs := make(map[string]interface{}, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	return &module.Mail{
		Meta:       m.Meta.DeepCopy(),
		From:       from,
		RcptTo:     rcptTo,
		Header:     m.Header.Copy(),
		Body:       m.Body,
		State:      m.State,
		Attributes: attrs,
	}
}
