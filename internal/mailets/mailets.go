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

// Package mailets contains the built-in mailet implementations: the
// processing operations pipeline steps apply to mails.
package mailets

import (
	"context"
	"errors"
	"fmt"

	"github.com/spoold/spoold/framework/address"
	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/repository"
	"github.com/spoold/spoold/internal/rewrite"
)

// Submitter accepts mails for asynchronous outbound delivery with retries
// (implemented by the retry queue).
type Submitter interface {
	Submit(ctx context.Context, m *module.Mail) error
}

// Deps bundles the collaborators mailet constructors close over. Fields that
// a particular mailet does not use may be left unset.
type Deps struct {
	// Queue is the outbound retry queue used by RemoteDelivery.
	Queue Submitter

	// Spool re-injects generated mails (bounces) into the pipeline.
	Spool module.Enqueuer

	// Repo backs ToRepository and LocalDelivery.
	Repo repository.Repository

	// Rewriter resolves recipient rewrite mappings for RecipientRewrite.
	Rewriter *rewrite.Resolver

	// Hostname is reported as the Reporting-MTA in composed DSNs.
	Hostname string

	// AutogenMsgDomain is used for the Message-Id and sender address of
	// composed DSNs.
	AutogenMsgDomain string

	Log log.Logger
}

// ToProcessor redirects the mail to another processor state, aborting the
// remaining steps of the current one.
type ToProcessor struct {
	state string
}

func NewToProcessor(opts map[string]string) (*ToProcessor, error) {
	state := opts["processor"]
	if state == "" {
		return nil, errors.New("ToProcessor: the processor option is required")
	}
	return &ToProcessor{state: state}, nil
}

func (ToProcessor) Name() string   { return "ToProcessor" }
func (ToProcessor) Terminal() bool { return true }

// State reports the redirect destination, used by startup validation.
func (t *ToProcessor) State() string { return t.state }

func (t *ToProcessor) Service(_ context.Context, m *module.Mail) ([]*module.Mail, error) {
	m.State = t.state
	return nil, nil
}

// Null silently discards all recipients it is invoked for.
type Null struct{}

func (Null) Name() string   { return "Null" }
func (Null) Terminal() bool { return true }

func (Null) Service(_ context.Context, m *module.Mail) ([]*module.Mail, error) {
	m.RcptTo = nil
	return nil, nil
}

// ToRepository stores a copy of the mail in the configured repository store.
// Unless passThrough is set, the stored recipients are consumed.
type ToRepository struct {
	repo        repository.Repository
	url         string
	passThrough bool
}

func NewToRepository(repo repository.Repository, opts map[string]string) (*ToRepository, error) {
	if repo == nil {
		return nil, errors.New("ToRepository: no repository is configured")
	}
	url := opts["repositoryPath"]
	if url == "" {
		return nil, errors.New("ToRepository: the repositoryPath option is required")
	}
	return &ToRepository{
		repo:        repo,
		url:         url,
		passThrough: opts["passThrough"] == "true",
	}, nil
}

func (ToRepository) Name() string { return "ToRepository" }

func (t *ToRepository) Terminal() bool { return !t.passThrough }

func (t *ToRepository) Service(ctx context.Context, m *module.Mail) ([]*module.Mail, error) {
	rcpts := m.RcptTo
	stored := m.Split(rcpts)

	if err := t.repo.Store(ctx, t.url, stored); err != nil {
		m.RcptTo = rcpts
		return nil, fmt.Errorf("ToRepository: %w", err)
	}

	if t.passThrough {
		m.RcptTo = rcpts
	}
	return nil, nil
}

// LocalDelivery stores the mail into a per-recipient mailbox store in the
// repository, consuming all recipients.
type LocalDelivery struct {
	repo   repository.Repository
	prefix string
}

func NewLocalDelivery(repo repository.Repository, opts map[string]string) (*LocalDelivery, error) {
	if repo == nil {
		return nil, errors.New("LocalDelivery: no repository is configured")
	}
	prefix := opts["mailboxPrefix"]
	if prefix == "" {
		prefix = "mailbox"
	}
	return &LocalDelivery{repo: repo, prefix: prefix}, nil
}

func (LocalDelivery) Name() string   { return "LocalDelivery" }
func (LocalDelivery) Terminal() bool { return true }

func (d *LocalDelivery) Service(ctx context.Context, m *module.Mail) ([]*module.Mail, error) {
	for len(m.RcptTo) != 0 {
		rcpt := m.RcptTo[0]

		mailbox, err := address.ForLookup(rcpt)
		if err != nil {
			return nil, fmt.Errorf("LocalDelivery: malformed recipient %s: %w", rcpt, err)
		}

		copied := m.Split([]string{rcpt})
		if err := d.repo.Store(ctx, d.prefix+"/"+mailbox, copied); err != nil {
			m.AddRcpt(rcpt)
			return nil, fmt.Errorf("LocalDelivery: %w", err)
		}
	}
	return nil, nil
}

// RemoteDelivery hands the mail over to the outbound retry queue. Queue
// ownership (including its shutdown) stays with the caller that built it.
type RemoteDelivery struct {
	q Submitter
}

func NewRemoteDelivery(q Submitter) (*RemoteDelivery, error) {
	if q == nil {
		return nil, errors.New("RemoteDelivery: no queue is configured")
	}
	return &RemoteDelivery{q: q}, nil
}

func (RemoteDelivery) Name() string   { return "RemoteDelivery" }
func (RemoteDelivery) Terminal() bool { return true }

func (d *RemoteDelivery) Service(ctx context.Context, m *module.Mail) ([]*module.Mail, error) {
	if len(m.RcptTo) == 0 {
		return nil, nil
	}

	rcpts := m.RcptTo
	outbound := m.Split(rcpts)

	if err := d.q.Submit(ctx, outbound); err != nil {
		m.RcptTo = rcpts
		return nil, fmt.Errorf("RemoteDelivery: %w", err)
	}
	return nil, nil
}

// RegisterInto adds all built-in mailets to the registry, closing over the
// passed collaborators.
func RegisterInto(r *module.Registry, deps Deps) {
	r.RegisterMailet("ToProcessor", func(opts map[string]string) (module.Mailet, error) {
		return NewToProcessor(opts)
	})
	r.RegisterMailet("Null", func(map[string]string) (module.Mailet, error) {
		return Null{}, nil
	})
	r.RegisterMailet("ToRepository", func(opts map[string]string) (module.Mailet, error) {
		return NewToRepository(deps.Repo, opts)
	})
	r.RegisterMailet("LocalDelivery", func(opts map[string]string) (module.Mailet, error) {
		return NewLocalDelivery(deps.Repo, opts)
	})
	r.RegisterMailet("RecipientRewrite", func(opts map[string]string) (module.Mailet, error) {
		return NewRecipientRewrite(deps.Rewriter, opts)
	})
	r.RegisterMailet("RemoteDelivery", func(map[string]string) (module.Mailet, error) {
		return NewRemoteDelivery(deps.Queue)
	})
	r.RegisterMailet("Bounce", func(opts map[string]string) (module.Mailet, error) {
		return NewBounce(deps, opts)
	})
}
