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

// Package rewrite implements the recipient rewriting table: aliases,
// forwards, groups, domain aliases and regexp rewrites, resolved
// recursively with loop protection.
package rewrite

import (
	"fmt"
	"strings"
)

type Kind string

const (
	// Alias transparently replaces the recipient address. The envelope
	// sender is not changed.
	Alias Kind = "alias"

	// Forward replaces the recipient address and makes the forwarder the
	// envelope sender of the forwarded copy.
	Forward Kind = "forward"

	// Group expands the recipient into multiple addresses, one mapping per
	// member. The envelope sender is not changed.
	Group Kind = "group"

	// DomainAlias rewrites the domain part of all addresses in a domain.
	// Source has the form "*@olddomain", Target either "*@newdomain"
	// (local-part is kept) or a complete address.
	DomainAlias Kind = "domain_alias"

	// Regex rewrites addresses matching an RE2 expression. The expression
	// is matched against the whole normalized address, Target may reference
	// capture groups ($1, ${name}).
	Regex Kind = "regex"

	// Error fails resolution of the address. Target is the message reported
	// to the sender, optionally prefixed with an SMTP code and an enhanced
	// code ("550 5.7.1 No such list").
	Error Kind = "error"
)

type Mapping struct {
	Kind   Kind
	Source string
	Target string

	// KeepCopy is used with Forward only: the original recipient keeps an
	// unforwarded copy of the message.
	KeepCopy bool
}

func (m Mapping) check() error {
	switch m.Kind {
	case Alias, Forward, Group:
		if !strings.Contains(m.Source, "@") || !strings.Contains(m.Target, "@") {
			return fmt.Errorf("rewrite: %s mapping needs complete addresses: %s => %s", m.Kind, m.Source, m.Target)
		}
	case DomainAlias:
		if !strings.HasPrefix(m.Source, "*@") {
			return fmt.Errorf("rewrite: domain_alias source must have the form *@domain: %s", m.Source)
		}
		if !strings.Contains(m.Target, "@") {
			return fmt.Errorf("rewrite: domain_alias target must contain a domain: %s", m.Target)
		}
	case Regex:
		if m.Source == "" {
			return fmt.Errorf("rewrite: empty regex source")
		}
	case Error:
		if !strings.Contains(m.Source, "@") && !strings.HasPrefix(m.Source, "*@") {
			return fmt.Errorf("rewrite: error mapping needs an address source: %s", m.Source)
		}
		if m.Target == "" {
			return fmt.Errorf("rewrite: error mapping needs a message")
		}
	default:
		return fmt.Errorf("rewrite: unknown mapping kind: %s", m.Kind)
	}
	if m.KeepCopy && m.Kind != Forward {
		return fmt.Errorf("rewrite: keep_copy is meaningful for forward mappings only")
	}
	return nil
}
