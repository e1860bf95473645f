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
	"context"
)

// Matcher decides which recipients of a mail a pipeline step applies to.
type Matcher interface {
	// Name reports the matcher name used in processor configuration.
	Name() string

	// Match returns the subset of m.RcptTo the associated mailet should be
	// invoked for. The returned slice aliases or copies elements of
	// m.RcptTo, the mail itself is not modified.
	Match(ctx context.Context, m *Mail) ([]string, error)
}

// Mailet performs a processing operation on a mail.
type Mailet interface {
	// Name reports the mailet name used in processor configuration.
	Name() string

	// Service processes the mail. The pipeline guarantees m.RcptTo contains
	// exactly the recipients matched by the step's matcher.
	//
	// The mailet consumes recipients it fully handled by removing them from
	// m.RcptTo and may redirect the mail by replacing m.State. Additional
	// mails created during processing (splits, notifications) are returned
	// and re-enter the pipeline in whatever state they carry.
	Service(ctx context.Context, m *Mail) ([]*Mail, error)
}

// TerminalMailet is implemented by mailets that always dispose of every
// recipient they are invoked for, either by consuming them or by moving the
// mail to another processor state. Processor validation requires the last
// step of a state to use such a mailet paired with a catch-all matcher.
type TerminalMailet interface {
	Terminal() bool
}

// Enqueuer is implemented by components accepting mails for asynchronous
// processing (the spool). Ownership of the mail transfers on a successful
// Enqueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *Mail) error
}
