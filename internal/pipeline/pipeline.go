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

// Package pipeline implements the processor state machine that drives all
// mail processing.
//
// A pipeline is a set of named states, each being an ordered list of
// matcher/mailet steps. A mail enters a state, steps are applied in order,
// and each step's matcher selects the recipients its mailet runs for. A
// partial match splits the mail so that matched recipients go through the
// mailet while the rest continue down the step list unaffected.
package pipeline

import (
	"fmt"
	"runtime/debug"

	"context"

	"github.com/spoold/spoold/framework/exterrors"
	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
)

// Special values for the per-step error policies. Any other non-empty value
// names the state the mail is redirected to on failure.
const (
	// PolicyPropagate redirects the mail to the pipeline error state. This
	// is the default.
	PolicyPropagate = ""

	// PolicyIgnore logs the failure and continues with the next step as if
	// the failing step did not exist.
	PolicyIgnore = "ignore"

	// PolicyMatchAll treats a failing matcher as if it matched all
	// recipients. Matcher-only.
	PolicyMatchAll = "matchall"

	// PolicyNoMatch treats a failing matcher as if it matched nothing.
	// Matcher-only.
	PolicyNoMatch = "nomatch"
)

// DefaultErrorState is the state mails with a propagated failure are
// redirected to unless Config.ErrorState overrides it.
const DefaultErrorState = "error"

// Limit on the amount of state entries a single mail (with everything split
// off it) may cause. Configurations that bounce mails between states
// indefinitely hit this limit instead of spinning forever.
const maxTransitions = 100

// Step is a single matcher/mailet pair in a processor state.
type Step struct {
	Matcher module.Matcher
	Mailet  module.Mailet

	// OnMatcherErr and OnMailetErr are the error policies for matcher and
	// mailet failures, see the Policy constants.
	OnMatcherErr string
	OnMailetErr  string
}

type Config struct {
	// States maps the state name to its step list. The map must contain
	// the error state.
	States map[string][]Step

	// ErrorState is where mails go when a step fails with the propagate
	// policy. "error" if empty.
	ErrorState string

	Log log.Logger
}

type Pipeline struct {
	states     map[string][]Step
	errorState string

	log log.Logger
}

// New validates the configuration and builds the pipeline.
//
// Validation is strict: all policy targets must name existing states, and
// every state must end with a step that cannot leave recipients behind
// (a catch-all matcher paired with a terminal mailet). This makes "mail
// silently leaks out of the state machine" a start-up error instead of a
// runtime surprise.
func New(cfg Config) (*Pipeline, error) {
	errorState := cfg.ErrorState
	if errorState == "" {
		errorState = DefaultErrorState
	}

	if len(cfg.States) == 0 {
		return nil, fmt.Errorf("pipeline: no states configured")
	}
	if _, ok := cfg.States[errorState]; !ok {
		return nil, fmt.Errorf("pipeline: error state %q is not configured", errorState)
	}

	p := &Pipeline{
		states:     cfg.States,
		errorState: errorState,
		log:        cfg.Log,
	}

	for name, steps := range cfg.States {
		switch name {
		case "", PolicyIgnore, PolicyMatchAll, PolicyNoMatch:
			return nil, fmt.Errorf("pipeline: state name %q is reserved", name)
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("pipeline: state %q has no steps", name)
		}

		for i, step := range steps {
			if step.Matcher == nil || step.Mailet == nil {
				return nil, fmt.Errorf("pipeline: state %q, step %d: incomplete step", name, i)
			}
			if err := p.checkPolicy(step.OnMatcherErr, true); err != nil {
				return nil, fmt.Errorf("pipeline: state %q, step %d: %w", name, i, err)
			}
			if err := p.checkPolicy(step.OnMailetErr, false); err != nil {
				return nil, fmt.Errorf("pipeline: state %q, step %d: %w", name, i, err)
			}
		}

		last := steps[len(steps)-1]
		if last.Matcher.Name() != "All" {
			return nil, fmt.Errorf("pipeline: state %q must end with a catch-all step", name)
		}
		term, ok := last.Mailet.(module.TerminalMailet)
		if !ok || !term.Terminal() {
			return nil, fmt.Errorf("pipeline: state %q must end with a terminal mailet, %s is not one", name, last.Mailet.Name())
		}
	}

	return p, nil
}

func (p *Pipeline) checkPolicy(policy string, matcher bool) error {
	switch policy {
	case PolicyPropagate, PolicyIgnore:
		return nil
	case PolicyMatchAll, PolicyNoMatch:
		if !matcher {
			return fmt.Errorf("policy %q is valid for matchers only", policy)
		}
		return nil
	}
	if _, ok := p.states[policy]; !ok {
		return fmt.Errorf("policy target state %q is not configured", policy)
	}
	return nil
}

type workItem struct {
	mail *module.Mail
	step int
}

// Process runs the mail through the state machine, starting at m.State,
// until the mail and everything split off it is disposed of.
//
// Mailet and matcher failures do not fail Process, they are routed through
// the step policies. The returned error indicates the state machine itself
// could not make progress.
func (p *Pipeline) Process(ctx context.Context, m *module.Mail) error {
	if m.State == "" {
		return fmt.Errorf("pipeline: mail %s has no state", m.Meta.ID)
	}

	work := []workItem{{mail: m, step: 0}}
	transitions := 0
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]

		transitions++
		if transitions > maxTransitions {
			return exterrors.WithKind(fmt.Errorf("pipeline: mail %s exceeded %d state transitions", m.Meta.ID, maxTransitions), "pipeline")
		}

		if len(it.mail.RcptTo) == 0 {
			continue
		}

		steps, ok := p.states[it.mail.State]
		if !ok {
			p.enterErrorState(it.mail, p.errorState,
				exterrors.WithKind(fmt.Errorf("pipeline: unknown state: %s", it.mail.State), "pipeline"), &work)
			continue
		}

		p.runSteps(ctx, it.mail, steps, it.step, &work)
	}

	return nil
}

func (p *Pipeline) runSteps(ctx context.Context, m *module.Mail, steps []Step, from int, work *[]workItem) {
	for i := from; i < len(steps); i++ {
		step := steps[i]

		matched, err := safeMatch(ctx, step.Matcher, m)
		if err != nil {
			p.log.Error("matcher failed", err,
				"msg_id", m.Meta.ID, "state", m.State, "matcher", step.Matcher.Name())
			switch step.OnMatcherErr {
			case PolicyIgnore:
				continue
			case PolicyMatchAll:
				matched = m.RcptTo
			case PolicyNoMatch:
				continue
			default:
				p.enterErrorState(m, step.OnMatcherErr, err, work)
				return
			}
		}

		matched = intersect(m.RcptTo, matched)
		if len(matched) == 0 {
			continue
		}

		if len(matched) == len(m.RcptTo) {
			if done := p.runMailet(ctx, m, step, 0, work); done {
				return
			}
			if len(m.RcptTo) == 0 {
				return
			}
			continue
		}

		// Partial match: matched recipients go through the mailet on a
		// split copy, the rest continue down the step list.
		child := m.Split(matched)
		p.runMailet(ctx, child, step, i+1, work)
	}

	if len(m.RcptTo) != 0 {
		// Unreachable with a validated configuration unless a terminal
		// step was skipped via the ignore policy.
		p.log.Msg("recipients left after the last step, dropping",
			"msg_id", m.Meta.ID, "state", m.State, "rcpts", m.RcptTo)
	}
}

// runMailet applies the step's mailet to m. resume is the step index m
// continues from if the mailet neither consumed all recipients nor changed
// the state; done reports that the caller should stop stepping m (it was
// requeued or belongs to a split child).
func (p *Pipeline) runMailet(ctx context.Context, m *module.Mail, step Step, resume int, work *[]workItem) (done bool) {
	prevState := m.State

	extras, err := safeService(ctx, step.Mailet, m)
	for _, extra := range extras {
		*work = append(*work, workItem{mail: extra, step: 0})
	}
	if err != nil {
		p.log.Error("mailet failed", err,
			"msg_id", m.Meta.ID, "state", m.State, "mailet", step.Mailet.Name())
		switch step.OnMailetErr {
		case PolicyIgnore:
			err = nil
		default:
			p.enterErrorState(m, step.OnMailetErr, err, work)
			return true
		}
	}

	if m.State != prevState {
		if len(m.RcptTo) != 0 {
			*work = append(*work, workItem{mail: m, step: 0})
		}
		return true
	}

	if resume != 0 && len(m.RcptTo) != 0 {
		*work = append(*work, workItem{mail: m, step: resume})
		return true
	}
	return resume != 0
}

// enterErrorState records the failure on the mail and redirects it to
// target (the pipeline error state for PolicyPropagate). A failure inside
// the target state itself drops the mail instead of looping.
func (p *Pipeline) enterErrorState(m *module.Mail, target string, err error, work *[]workItem) {
	if target == PolicyPropagate {
		target = p.errorState
	}

	m.Meta.LastErr = err

	if m.State == target {
		p.log.Error("failure inside the failure handling state, dropping mail", err,
			"msg_id", m.Meta.ID, "state", m.State)
		m.RcptTo = nil
		return
	}

	m.State = target
	*work = append(*work, workItem{mail: m, step: 0})
}

func safeMatch(ctx context.Context, matcher module.Matcher, m *module.Mail) (matched []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = exterrors.WithKind(fmt.Errorf("matcher %s panicked: %v\n%s", matcher.Name(), r, stack), "panic")
		}
	}()
	return matcher.Match(ctx, m)
}

func safeService(ctx context.Context, mailet module.Mailet, m *module.Mail) (extras []*module.Mail, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = exterrors.WithKind(fmt.Errorf("mailet %s panicked: %v\n%s", mailet.Name(), r, stack), "panic")
		}
	}()
	return mailet.Service(ctx, m)
}

// intersect returns the elements of matched that are present in rcpts,
// preserving the order of rcpts and dropping duplicates.
func intersect(rcpts, matched []string) []string {
	set := make(map[string]struct{}, len(matched))
	for _, m := range matched {
		set[m] = struct{}{}
	}
	res := make([]string, 0, len(matched))
	for _, rcpt := range rcpts {
		if _, ok := set[rcpt]; ok {
			res = append(res, rcpt)
		}
	}
	return res
}
