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

// Package matchers contains the built-in matcher implementations selecting
// recipients for pipeline steps.
package matchers

import (
	"context"
	"errors"
	"strings"

	"github.com/spoold/spoold/framework/address"
	"github.com/spoold/spoold/framework/dns"
	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/module"
)

// All matches every recipient of the mail. It is the catch-all matcher the
// pipeline requires on the last step of each state.
type All struct{}

func (All) Name() string { return "All" }

func (All) Match(_ context.Context, m *module.Mail) ([]string, error) {
	return m.RcptTo, nil
}

// SenderIs matches all recipients if the envelope sender equals one of the
// configured addresses. The special token "<>" matches the null
// reverse-path.
type SenderIs struct {
	senders []string
}

func NewSenderIs(cond string) (*SenderIs, error) {
	senders, err := splitCond(cond)
	if err != nil {
		return nil, errors.New("SenderIs: at least one address is required")
	}
	return &SenderIs{senders: senders}, nil
}

func (SenderIs) Name() string { return "SenderIs" }

func (s *SenderIs) Match(_ context.Context, m *module.Mail) ([]string, error) {
	for _, sender := range s.senders {
		if sender == "<>" {
			if m.From == "" {
				return m.RcptTo, nil
			}
			continue
		}
		if address.Equal(sender, m.From) {
			return m.RcptTo, nil
		}
	}
	return nil, nil
}

// RecipientIs matches the recipients equal to one of the configured
// addresses.
type RecipientIs struct {
	rcpts []string
}

func NewRecipientIs(cond string) (*RecipientIs, error) {
	rcpts, err := splitCond(cond)
	if err != nil {
		return nil, errors.New("RecipientIs: at least one address is required")
	}
	return &RecipientIs{rcpts: rcpts}, nil
}

func (RecipientIs) Name() string { return "RecipientIs" }

func (r *RecipientIs) Match(_ context.Context, m *module.Mail) ([]string, error) {
	var matched []string
	for _, rcpt := range m.RcptTo {
		for _, want := range r.rcpts {
			if address.Equal(want, rcpt) {
				matched = append(matched, rcpt)
				break
			}
		}
	}
	return matched, nil
}

// HostIs matches the recipients whose domain part equals one of the
// configured domains.
type HostIs struct {
	domains []string
}

func NewHostIs(cond string) (*HostIs, error) {
	domains, err := splitCond(cond)
	if err != nil {
		return nil, errors.New("HostIs: at least one domain is required")
	}
	return &HostIs{domains: domains}, nil
}

func (HostIs) Name() string { return "HostIs" }

func (h *HostIs) Match(_ context.Context, m *module.Mail) ([]string, error) {
	var matched []string
	for _, rcpt := range m.RcptTo {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			continue
		}
		for _, want := range h.domains {
			if dns.Equal(want, domain) {
				matched = append(matched, rcpt)
				break
			}
		}
	}
	return matched, nil
}

// HasException matches all recipients if the error recorded on the mail has
// the configured kind anywhere in its kind chain. An empty condition matches
// any recorded error.
//
// It is meant to be used inside the error state to route mails based on what
// failed ("pipeline", "panic", "rewrite", "delivery").
type HasException struct {
	pattern string
}

func NewHasException(cond string) (*HasException, error) {
	return &HasException{pattern: strings.TrimSpace(cond)}, nil
}

func (HasException) Name() string { return "HasException" }

func (h *HasException) Match(_ context.Context, m *module.Mail) ([]string, error) {
	if m.Meta.LastErr == nil {
		return nil, nil
	}
	if !exterrors.KindMatches(m.Meta.LastErr, h.pattern) {
		return nil, nil
	}
	return m.RcptTo, nil
}

func splitCond(cond string) ([]string, error) {
	var parts []string
	for _, p := range strings.Split(cond, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return nil, errors.New("empty condition")
	}
	return parts, nil
}

// RegisterInto adds all built-in matchers to the registry.
func RegisterInto(r *module.Registry) {
	r.RegisterMatcher("All", func(string) (module.Matcher, error) {
		return All{}, nil
	})
	r.RegisterMatcher("SenderIs", func(cond string) (module.Matcher, error) {
		return NewSenderIs(cond)
	})
	r.RegisterMatcher("RecipientIs", func(cond string) (module.Matcher, error) {
		return NewRecipientIs(cond)
	})
	r.RegisterMatcher("HostIs", func(cond string) (module.Matcher, error) {
		return NewHostIs(cond)
	})
	r.RegisterMatcher("HasException", func(cond string) (module.Matcher, error) {
		return NewHasException(cond)
	})
}
