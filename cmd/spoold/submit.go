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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-message/textproto"
	"github.com/urfave/cli/v2"

	"github.com/spoold/spoold/framework/buffer"
	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/repository"
)

// submitCommand writes the message read from stdin into the drop store of a
// running (or about to be started) spoold instance. The message is picked up
// by the run loop and enters the pipeline in the requested state.
func submitCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	rcpts := c.Args().Slice()
	if len(rcpts) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	repo, err := repository.NewFS(cfg.StateDir)
	if err != nil {
		return err
	}

	r := bufio.NewReader(os.Stdin)
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		return fmt.Errorf("malformed message header: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m, err := module.NewMail(c.String("state"))
	if err != nil {
		return err
	}
	m.From = c.String("from")
	m.Meta.OriginalFrom = m.From
	for _, rcpt := range rcpts {
		m.AddRcpt(rcpt)
	}
	m.Header = hdr
	m.Body = buffer.MemoryBuffer{Slice: body}

	if err := repo.Store(c.Context, dropURL, m); err != nil {
		return err
	}

	fmt.Println(m.Meta.ID)
	return nil
}
