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

package spool

import (
	"errors"
	"sync"

	"github.com/spoold/spoold/framework/module"
)

var ErrClosed = errors.New("spool: store is closed")

// Store is the backlog the spool workers feed from.
type Store interface {
	// Append adds the mail to the backlog.
	Append(m *module.Mail) error

	// Claim removes and returns the next mail from the backlog, blocking
	// while it is empty. ok is false when the store is closed and drained.
	Claim() (m *module.Mail, ok bool)

	Len() int

	// Close rejects further Appends. Mails already in the backlog are
	// still handed out by Claim.
	Close() error
}

// MemStore is the in-memory Store implementation.
type MemStore struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queue  []*module.Mail
	closed bool
}

func NewMemStore() *MemStore {
	s := &MemStore{}
	s.cond = sync.NewCond(&s.lock)
	return s
}

func (s *MemStore) Append(m *module.Mail) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, m)
	s.cond.Signal()
	return nil
}

func (s *MemStore) Claim() (*module.Mail, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for len(s.queue) == 0 {
		if s.closed {
			return nil, false
		}
		s.cond.Wait()
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true
}

func (s *MemStore) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.queue)
}

func (s *MemStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}
