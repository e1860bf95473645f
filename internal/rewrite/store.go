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

package rewrite

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/spoold/spoold/framework/address"
	"github.com/spoold/spoold/framework/dns"
)

// Store is the mapping set the resolver works against.
type Store interface {
	AddMapping(ctx context.Context, m Mapping) error
	RemoveMapping(ctx context.Context, m Mapping) error
	ListMappings(ctx context.Context) ([]Mapping, error)

	// Lookup returns the mappings applicable to the normalized address.
	// Exact-source mappings shadow domain wildcards, domain wildcards
	// shadow regex mappings. For Regex mappings the returned Target is
	// already expanded against the matched address.
	Lookup(ctx context.Context, addr string) ([]Mapping, error)
}

type memEntry struct {
	m  Mapping
	re *regexp.Regexp
}

// MemoryStore keeps the mapping set in memory. It is safe for concurrent
// use.
type MemoryStore struct {
	lock    sync.RWMutex
	entries []memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AddMapping(_ context.Context, m Mapping) error {
	if err := m.check(); err != nil {
		return err
	}

	ent := memEntry{m: m}
	if m.Kind == Regex {
		regex := m.Source
		// The regexp should match the entire address, add anchors if they
		// are not present.
		if !strings.HasPrefix(regex, "^") {
			regex = "^" + regex
		}
		if !strings.HasSuffix(regex, "$") {
			regex = regex + "$"
		}
		regex = "(?i)" + regex

		var err error
		ent.re, err = regexp.Compile(regex)
		if err != nil {
			return err
		}
	} else if m.Kind != Error || strings.Contains(m.Source, "@") {
		norm, err := normSource(m.Source)
		if err != nil {
			return err
		}
		ent.m.Source = norm
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries = append(s.entries, ent)
	return nil
}

func (s *MemoryStore) RemoveMapping(_ context.Context, m Mapping) error {
	norm := m.Source
	if m.Kind != Regex {
		if n, err := normSource(m.Source); err == nil {
			norm = n
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	for i, ent := range s.entries {
		if ent.m.Kind == m.Kind && ent.m.Source == norm && ent.m.Target == m.Target {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListMappings(_ context.Context) ([]Mapping, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	res := make([]Mapping, 0, len(s.entries))
	for _, ent := range s.entries {
		res = append(res, ent.m)
	}
	return res, nil
}

func (s *MemoryStore) Lookup(_ context.Context, addr string) ([]Mapping, error) {
	normAddr, err := address.ForLookup(addr)
	if err != nil {
		return nil, err
	}
	_, domain, err := address.Split(normAddr)
	if err != nil {
		return nil, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	var exact, wildcard, regex []Mapping
	for _, ent := range s.entries {
		switch {
		case ent.re != nil:
			indx := ent.re.FindStringSubmatchIndex(normAddr)
			if indx == nil {
				continue
			}
			m := ent.m
			if m.Kind == Regex {
				m.Target = string(ent.re.ExpandString(nil, ent.m.Target, normAddr, indx))
			}
			regex = append(regex, m)
		case strings.HasPrefix(ent.m.Source, "*@"):
			if strings.TrimPrefix(ent.m.Source, "*@") == domain {
				wildcard = append(wildcard, ent.m)
			}
		case ent.m.Source == normAddr:
			exact = append(exact, ent.m)
		}
	}

	if len(exact) != 0 {
		return exact, nil
	}
	if len(wildcard) != 0 {
		return wildcard, nil
	}
	return regex, nil
}

func normSource(src string) (string, error) {
	if strings.HasPrefix(src, "*@") {
		domain, err := dns.ForLookup(strings.TrimPrefix(src, "*@"))
		if err != nil {
			return "", err
		}
		return "*@" + domain, nil
	}
	return address.ForLookup(src)
}
