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

// Package repository implements mail repositories: keyed stores that hold
// complete mails (envelope + content) outside of the active pipeline.
//
// Repositories are used by ToRepository mailets for quarantine and error
// storage and by local delivery as the mailbox backend.
package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/spoold/spoold/framework/module"
)

// ErrNoSuchMail is returned by Get and Remove for an unknown key.
var ErrNoSuchMail = errors.New("repository: no such mail")

// Repository is a keyed mail store. The url argument selects the concrete
// store within the repository ("error", "spam", "mailbox/user") and is
// created on first use. Mails are keyed by their message ID.
type Repository interface {
	Store(ctx context.Context, url string, m *module.Mail) error
	List(ctx context.Context, url string) ([]string, error)
	Get(ctx context.Context, url, key string) (*module.Mail, error)
	Remove(ctx context.Context, url, key string) error
	Count(ctx context.Context, url string) (int, error)
}

// Memory is a Repository keeping everything in process memory. Used in tests
// and for ephemeral stores.
type Memory struct {
	lock   sync.RWMutex
	stores map[string]map[string]*module.Mail
}

func NewMemory() *Memory {
	return &Memory{stores: map[string]map[string]*module.Mail{}}
}

func (r *Memory) Store(_ context.Context, url string, m *module.Mail) error {
	if m.Meta == nil || m.Meta.ID == "" {
		return errors.New("repository: mail has no ID")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	store := r.stores[url]
	if store == nil {
		store = map[string]*module.Mail{}
		r.stores[url] = store
	}
	store[m.Meta.ID] = m
	return nil
}

func (r *Memory) List(_ context.Context, url string) ([]string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	keys := make([]string, 0, len(r.stores[url]))
	for key := range r.stores[url] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Memory) Get(_ context.Context, url, key string) (*module.Mail, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	m, ok := r.stores[url][key]
	if !ok {
		return nil, ErrNoSuchMail
	}
	return m, nil
}

func (r *Memory) Remove(_ context.Context, url, key string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.stores[url][key]; !ok {
		return ErrNoSuchMail
	}
	delete(r.stores[url], key)
	return nil
}

func (r *Memory) Count(_ context.Context, url string) (int, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.stores[url]), nil
}
