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
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/spoold/spoold/framework/buffer"
	"github.com/spoold/spoold/framework/log"
)

// dropPollInterval is how often the drop directory is scanned for
// newly submitted mail.
const dropPollInterval = time.Second

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	logger := log.DefaultLogger
	logger.Debug = cfg.Debug || c.Bool("debug")

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Msg("spoold started", "hostname", cfg.Hostname, "statedir", cfg.StateDir)

	eng.watchDrop(ctx)

	logger.Msg("shutting down", "in_flight", eng.spool.InFlight())
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	return eng.Close()
}

// watchDrop feeds mails from the drop store into the spool until the context
// is cancelled. Submitted mails are loaded fully into memory and removed from
// the store before processing starts, a mail is never picked up twice.
func (e *engine) watchDrop(ctx context.Context) {
	t := time.NewTicker(dropPollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		keys, err := e.repo.List(ctx, dropURL)
		if err != nil {
			e.log.Error("cannot list drop store", err)
			continue
		}

		for _, key := range keys {
			if err := e.intake(ctx, key); err != nil {
				e.log.Error("cannot pick up submitted mail", err, "key", key)
			}
		}
	}
}

func (e *engine) intake(ctx context.Context, key string) error {
	m, err := e.repo.Get(ctx, dropURL, key)
	if err != nil {
		return err
	}

	body, err := m.Body.Open()
	if err != nil {
		return err
	}
	blob, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return err
	}
	m.Body = buffer.MemoryBuffer{Slice: blob}

	if err := e.repo.Remove(ctx, dropURL, key); err != nil {
		return err
	}

	e.log.Debugf("mail %s entered state %s", m.Meta.ID, m.State)
	return e.spool.Enqueue(ctx, m)
}
