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
	"os"

	"github.com/urfave/cli/v2"

	"github.com/spoold/spoold/framework/log"
)

func main() {
	app := &cli.App{
		Name:  "spoold",
		Usage: "composable mail processing engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "spoold.yml",
				Usage:   "path to the configuration file",
				EnvVars: []string{"SPOOLD_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the processing engine",
				Action: runCommand,
			},
			{
				Name:      "submit",
				Usage:     "read a message from stdin and drop it into the engine spool",
				ArgsUsage: "RECIPIENT...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "from",
						Usage: "envelope sender, empty for the null reverse-path",
					},
					&cli.StringFlag{
						Name:  "state",
						Value: "root",
						Usage: "processor state the message enters in",
					},
				},
				Action: submitCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(2)
	}
}
