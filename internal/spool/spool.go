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

// Package spool implements the worker pool that feeds accepted mails into
// the processor state machine.
//
// Workers are supervised: a panic escaping the processor is recovered and
// the mail is requeued, a worker killed outright (runtime.Goexit) is
// detected, its mail requeued and a replacement worker spawned. A mail that
// keeps killing workers is dropped after a bounded number of requeues.
package spool

import (
	"context"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/framework/module"
)

// requeuesAttr is the mail attribute counting how many times processing of
// the mail was cut short by a worker failure.
const requeuesAttr = "spool.requeues"

// Processor is implemented by the pipeline.
type Processor interface {
	Process(ctx context.Context, m *module.Mail) error
}

type Config struct {
	// Store to feed from. An in-memory store is created if nil.
	Store Store

	Processor Processor

	// Workers is the amount of processing goroutines. 4 if zero.
	Workers int

	// MaxRequeues is how many times a mail interrupted by a worker failure
	// is put back before being dropped. 2 if zero.
	MaxRequeues int

	Log log.Logger
}

type Spool struct {
	store       Store
	proc        Processor
	maxRequeues int

	log log.Logger

	eg       *errgroup.Group
	inFlight cmap.ConcurrentMap[string, struct{}]

	pendingLock sync.Mutex
	pendingCond *sync.Cond
	pending     int
}

// New builds the spool and starts its workers.
func New(cfg Config) (*Spool, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("spool: no processor configured")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemStore()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRequeues == 0 {
		cfg.MaxRequeues = 2
	}

	s := &Spool{
		store:       cfg.Store,
		proc:        cfg.Processor,
		maxRequeues: cfg.MaxRequeues,
		log:         cfg.Log,
		eg:          &errgroup.Group{},
		inFlight:    cmap.New[struct{}](),
	}
	s.pendingCond = sync.NewCond(&s.pendingLock)

	for i := 0; i < cfg.Workers; i++ {
		s.eg.Go(s.worker)
	}

	return s, nil
}

// Enqueue hands the mail over for asynchronous processing. Ownership of the
// mail transfers to the spool on success.
func (s *Spool) Enqueue(_ context.Context, m *module.Mail) error {
	s.pendingLock.Lock()
	s.pending++
	s.pendingLock.Unlock()

	if err := s.store.Append(m); err != nil {
		s.done()
		return err
	}
	return nil
}

// Len reports the amount of mails waiting in the backlog.
func (s *Spool) Len() int {
	return s.store.Len()
}

// InFlight reports the IDs of mails being processed right now.
func (s *Spool) InFlight() []string {
	return s.inFlight.Keys()
}

// Wait blocks until every enqueued mail was fully processed or dropped.
func (s *Spool) Wait() {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	for s.pending != 0 {
		s.pendingCond.Wait()
	}
}

// Close stops intake, waits for the backlog to drain and stops the workers.
func (s *Spool) Close() error {
	s.Wait()
	if err := s.store.Close(); err != nil {
		return err
	}
	return s.eg.Wait()
}

func (s *Spool) worker() error {
	for {
		m, ok := s.store.Claim()
		if !ok {
			return nil
		}
		s.process(m)
	}
}

func (s *Spool) process(m *module.Mail) {
	s.inFlight.Set(m.Meta.ID, struct{}{})
	completed := false
	defer func() {
		s.inFlight.Remove(m.Meta.ID)

		if r := recover(); r != nil {
			s.log.Msg("panic escaped the processor, requeueing mail",
				"msg_id", m.Meta.ID, "value", fmt.Sprint(r))
			s.requeueOrDrop(m)
			return
		}
		if !completed {
			// Process neither returned nor panicked: the goroutine is
			// exiting (runtime.Goexit). Requeue the mail and replace the
			// dying worker. The errgroup still counts this goroutine, so
			// adding the replacement here keeps Close correct.
			s.log.Msg("worker killed during processing, spawning replacement",
				"msg_id", m.Meta.ID)
			s.requeueOrDrop(m)
			s.eg.Go(s.worker)
		}
	}()

	err := s.proc.Process(context.Background(), m)
	completed = true

	if err != nil {
		s.log.Error("processing failed", err, "msg_id", m.Meta.ID)
	}
	s.done()
}

func (s *Spool) requeueOrDrop(m *module.Mail) {
	requeues, _ := m.Attributes[requeuesAttr].(int)
	if requeues >= s.maxRequeues {
		s.log.Msg("mail keeps killing workers, dropping",
			"msg_id", m.Meta.ID, "requeues", requeues)
		s.done()
		return
	}
	if m.Attributes == nil {
		m.Attributes = map[string]interface{}{}
	}
	m.Attributes[requeuesAttr] = requeues + 1

	if err := s.store.Append(m); err != nil {
		s.log.Error("cannot requeue mail", err, "msg_id", m.Meta.ID)
		s.done()
	}
}

func (s *Spool) done() {
	s.pendingLock.Lock()
	s.pending--
	if s.pending == 0 {
		s.pendingCond.Broadcast()
	}
	s.pendingLock.Unlock()
}
