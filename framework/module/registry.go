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
	"fmt"
	"sync"
)

// MatcherConstructor builds a matcher from the condition string that follows
// the '=' sign in the processor configuration ("RecipientIs=a@b,c@d").
type MatcherConstructor func(cond string) (Matcher, error)

// MailetConstructor builds a mailet from its option map. Constructors
// typically close over the collaborators the mailet needs (queue, repository,
// rewrite store).
type MailetConstructor func(opts map[string]string) (Mailet, error)

// Registry maps matcher and mailet names to constructors. It is populated
// once during start-up, before any processing starts, so lookups during
// processing take no locks.
type Registry struct {
	lock     sync.Mutex
	sealed   bool
	matchers map[string]MatcherConstructor
	mailets  map[string]MailetConstructor
}

func NewRegistry() *Registry {
	return &Registry{
		matchers: map[string]MatcherConstructor{},
		mailets:  map[string]MailetConstructor{},
	}
}

func (r *Registry) RegisterMatcher(name string, f MatcherConstructor) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sealed {
		panic("module: registration after registry was sealed")
	}
	if _, ok := r.matchers[name]; ok {
		panic(fmt.Sprintf("module: duplicate matcher registration: %s", name))
	}
	r.matchers[name] = f
}

func (r *Registry) RegisterMailet(name string, f MailetConstructor) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sealed {
		panic("module: registration after registry was sealed")
	}
	if _, ok := r.mailets[name]; ok {
		panic(fmt.Sprintf("module: duplicate mailet registration: %s", name))
	}
	r.mailets[name] = f
}

// Seal marks the end of the registration phase.
func (r *Registry) Seal() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sealed = true
}

func (r *Registry) NewMatcher(name, cond string) (Matcher, error) {
	r.lock.Lock()
	f, ok := r.matchers[name]
	r.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("module: unknown matcher: %s", name)
	}
	return f(cond)
}

func (r *Registry) NewMailet(name string, opts map[string]string) (Mailet, error) {
	r.lock.Lock()
	f, ok := r.mailets[name]
	r.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("module: unknown mailet: %s", name)
	}
	return f(opts)
}
