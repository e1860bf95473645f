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

package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/mailets"
	"github.com/spoold/spoold/internal/matchers"
	"github.com/spoold/spoold/internal/pipeline"
	"github.com/spoold/spoold/internal/queue"
	"github.com/spoold/spoold/internal/repository"
	"github.com/spoold/spoold/internal/rewrite"
	"github.com/spoold/spoold/internal/spool"
)

// dropURL is the repository store the run loop picks submitted mail from.
const dropURL = "drop"

type config struct {
	// Hostname is the name this instance reports in outbound SMTP and DSNs.
	Hostname string `yaml:"hostname"`

	// AutogenMsgDomain is the domain of generated Message-Ids and of the
	// MAILER-DAEMON sender of DSNs.
	AutogenMsgDomain string `yaml:"autogen_msg_domain"`

	// StateDir is the root of the on-disk mail stores (drop directory,
	// repositories, local mailboxes).
	StateDir string `yaml:"statedir"`

	// MetricsAddr, when set, is the listen address of the Prometheus
	// metrics endpoint.
	MetricsAddr string `yaml:"metrics"`

	Debug bool `yaml:"debug"`

	SpoolWorkers int `yaml:"spool_workers"`

	ErrorState string `yaml:"error_state"`

	Mappings []mappingConfig `yaml:"mappings"`

	States map[string][]stepConfig `yaml:"states"`
}

type mappingConfig struct {
	Kind     string `yaml:"kind"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	KeepCopy bool   `yaml:"keep_copy"`
}

type stepConfig struct {
	Matcher   string            `yaml:"matcher"`
	Condition string            `yaml:"condition"`
	Mailet    string            `yaml:"mailet"`
	Options   map[string]string `yaml:"options"`

	OnMatcherErr string `yaml:"on_matcher_err"`
	OnMailetErr  string `yaml:"on_mailet_err"`
}

func loadConfig(path string) (*config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := config{}
	if err := yaml.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.Hostname == "" {
		return nil, fmt.Errorf("%s: hostname is required", path)
	}
	if cfg.AutogenMsgDomain == "" {
		cfg.AutogenMsgDomain = cfg.Hostname
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("%s: statedir is required", path)
	}
	if len(cfg.States) == 0 {
		return nil, fmt.Errorf("%s: no processor states configured", path)
	}

	return &cfg, nil
}

// engine is the fully wired processing core: the repository-backed stores,
// the rewrite resolver, the outbound queue and the spool feeding the
// pipeline.
type engine struct {
	repo  *repository.FS
	spool *spool.Spool
	queue *queue.Queue

	log log.Logger
}

// spoolRef breaks the construction cycle between the queue and the spool:
// the queue needs an enqueuer for DSNs before the spool (which needs the
// pipeline, which needs the queue) exists.
type spoolRef struct {
	s *spool.Spool
}

func (r *spoolRef) Enqueue(ctx context.Context, m *module.Mail) error {
	if r.s == nil {
		return fmt.Errorf("spool is not running")
	}
	return r.s.Enqueue(ctx, m)
}

func buildEngine(cfg *config, logger log.Logger) (*engine, error) {
	repo, err := repository.NewFS(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	store := rewrite.NewMemoryStore()
	for _, m := range cfg.Mappings {
		mapping := rewrite.Mapping{
			Kind:     rewrite.Kind(m.Kind),
			Source:   m.Source,
			Target:   m.Target,
			KeepCopy: m.KeepCopy,
		}
		if err := store.AddMapping(context.Background(), mapping); err != nil {
			return nil, err
		}
	}

	ref := &spoolRef{}
	deps := mailets.Deps{
		Spool:            ref,
		Repo:             repo,
		Rewriter:         &rewrite.Resolver{Store: store, Log: log.Logger{Out: logger.Out, Name: "rewrite", Debug: logger.Debug}},
		Hostname:         cfg.Hostname,
		AutogenMsgDomain: cfg.AutogenMsgDomain,
		Log:              logger,
	}

	remoteOpts, err := remoteDeliveryOptions(cfg)
	if err != nil {
		return nil, err
	}
	if used, bounceState := remoteDeliveryUsed(cfg, remoteOpts); used {
		if _, ok := cfg.States[bounceState]; !ok {
			return nil, fmt.Errorf("RemoteDelivery bounce state %q is not configured", bounceState)
		}
	}
	q, err := mailets.NewRemoteQueue(deps, remoteOpts)
	if err != nil {
		return nil, err
	}
	deps.Queue = q

	reg := module.NewRegistry()
	matchers.RegisterInto(reg)
	mailets.RegisterInto(reg, deps)
	reg.Seal()

	states, err := buildStates(cfg, reg)
	if err != nil {
		q.Close()
		return nil, err
	}

	pl, err := pipeline.New(pipeline.Config{
		States:     states,
		ErrorState: cfg.ErrorState,
		Log:        log.Logger{Out: logger.Out, Name: "pipeline", Debug: logger.Debug},
	})
	if err != nil {
		q.Close()
		return nil, err
	}

	sp, err := spool.New(spool.Config{
		Processor: pl,
		Workers:   cfg.SpoolWorkers,
		Log:       log.Logger{Out: logger.Out, Name: "spool", Debug: logger.Debug},
	})
	if err != nil {
		q.Close()
		return nil, err
	}
	ref.s = sp

	return &engine{
		repo:  repo,
		spool: sp,
		queue: q,
		log:   logger,
	}, nil
}

// Close drains the engine in dependency order: the spool finishes the mails
// it claimed (possibly submitting new ones to the queue), then the queue
// stops its scheduler and waits for in-flight deliveries.
func (e *engine) Close() error {
	e.spool.Close()
	return e.queue.Close()
}

// remoteDeliveryOptions extracts the outbound queue configuration from the
// RemoteDelivery pipeline step. The queue is shared, so at most one step may
// carry options.
func remoteDeliveryOptions(cfg *config) (map[string]string, error) {
	names := make([]string, 0, len(cfg.States))
	for name := range cfg.States {
		names = append(names, name)
	}
	sort.Strings(names)

	var opts map[string]string
	for _, name := range names {
		for i, step := range cfg.States[name] {
			if step.Mailet != "RemoteDelivery" || len(step.Options) == 0 {
				continue
			}
			if opts != nil {
				return nil, fmt.Errorf("state %q, step %d: RemoteDelivery options are already set on another step", name, i)
			}
			opts = step.Options
		}
	}
	return opts, nil
}

// remoteDeliveryUsed reports whether the topology delivers remotely and,
// if so, the state the queue injects its DSNs into.
func remoteDeliveryUsed(cfg *config, opts map[string]string) (bool, string) {
	used := false
	for _, steps := range cfg.States {
		for _, step := range steps {
			if step.Mailet == "RemoteDelivery" {
				used = true
			}
		}
	}
	bounceState := opts["bounceProcessor"]
	if bounceState == "" {
		bounceState = "bounces"
	}
	return used, bounceState
}

func buildStates(cfg *config, reg *module.Registry) (map[string][]pipeline.Step, error) {
	states := make(map[string][]pipeline.Step, len(cfg.States))

	for name, stepCfgs := range cfg.States {
		steps := make([]pipeline.Step, 0, len(stepCfgs))
		for i, sc := range stepCfgs {
			matcherName := sc.Matcher
			if matcherName == "" {
				matcherName = "All"
			}
			matcher, err := reg.NewMatcher(matcherName, sc.Condition)
			if err != nil {
				return nil, fmt.Errorf("state %q, step %d: %w", name, i, err)
			}

			opts := sc.Options
			if sc.Mailet == "RemoteDelivery" {
				// Queue options were consumed by remoteDeliveryOptions.
				opts = nil
			}
			mailet, err := reg.NewMailet(sc.Mailet, opts)
			if err != nil {
				return nil, fmt.Errorf("state %q, step %d: %w", name, i, err)
			}

			if tp, ok := mailet.(*mailets.ToProcessor); ok {
				if _, exists := cfg.States[tp.State()]; !exists {
					return nil, fmt.Errorf("state %q, step %d: ToProcessor target state %q is not configured", name, i, tp.State())
				}
			}

			steps = append(steps, pipeline.Step{
				Matcher:      matcher,
				Mailet:       mailet,
				OnMatcherErr: sc.OnMatcherErr,
				OnMailetErr:  sc.OnMailetErr,
			})
		}
		states[name] = steps
	}

	return states, nil
}
