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
	"path/filepath"
	"strings"
	"testing"

	"github.com/spoold/spoold/internal/testutils"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$STATEDIR", filepath.Join(dir, "state"))

	path := filepath.Join(dir, "spoold.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const topologyOk = `
hostname: mx.example.org
statedir: $STATEDIR
states:
  root:
    - mailet: RecipientRewrite
    - mailet: RemoteDelivery
      options:
        sendpartial: "true"
        maxRetries: "3"
  error:
    - mailet: Bounce
  bounces:
    - mailet: RemoteDelivery
`

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, topologyOk))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.AutogenMsgDomain != "mx.example.org" {
		t.Errorf("autogen_msg_domain did not default to the hostname: %q", cfg.AutogenMsgDomain)
	}
	if len(cfg.States["root"]) != 2 {
		t.Errorf("wrong root step count: %d", len(cfg.States["root"]))
	}
	if cfg.States["root"][1].Options["maxRetries"] != "3" {
		t.Errorf("step options not parsed: %v", cfg.States["root"][1].Options)
	}
}

func TestLoadConfig_Required(t *testing.T) {
	for _, body := range []string{
		"statedir: /tmp/x\nstates: {root: [{mailet: Null}]}\n",
		"hostname: mx.example.org\nstates: {root: [{mailet: Null}]}\n",
		"hostname: mx.example.org\nstatedir: /tmp/x\n",
	} {
		if _, err := loadConfig(writeConfig(t, body)); err == nil {
			t.Errorf("config %q: expected an error", body)
		}
	}
}

func TestBuildEngine(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, topologyOk))
	if err != nil {
		t.Fatal(err)
	}

	eng, err := buildEngine(cfg, testutils.Logger(t, "engine"))
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBuildEngine_Errors(t *testing.T) {
	for _, test := range []struct {
		name, body string
	}{
		{
			"unknown mailet",
			`
hostname: mx.example.org
statedir: $STATEDIR
states:
  root:
    - mailet: FryAndDeliver
  error:
    - mailet: Null
`,
		},
		{
			"unknown matcher",
			`
hostname: mx.example.org
statedir: $STATEDIR
states:
  root:
    - matcher: SmellsFunny
      mailet: Null
  error:
    - mailet: Null
`,
		},
		{
			"unresolvable ToProcessor target",
			`
hostname: mx.example.org
statedir: $STATEDIR
states:
  root:
    - mailet: ToProcessor
      options: {processor: nosuch}
  error:
    - mailet: Null
`,
		},
		{
			"non-terminal state end",
			`
hostname: mx.example.org
statedir: $STATEDIR
states:
  root:
    - mailet: RecipientRewrite
  error:
    - mailet: Null
`,
		},
		{
			"RemoteDelivery options on two steps",
			`
hostname: mx.example.org
statedir: $STATEDIR
states:
  root:
    - mailet: RemoteDelivery
      options: {maxRetries: "3"}
  bounces:
    - mailet: RemoteDelivery
      options: {maxRetries: "5"}
  error:
    - mailet: Null
`,
		},
		{
			"missing bounce state",
			`
hostname: mx.example.org
statedir: $STATEDIR
states:
  root:
    - mailet: RemoteDelivery
  error:
    - mailet: Null
`,
		},
	} {
		cfg, err := loadConfig(writeConfig(t, test.body))
		if err != nil {
			t.Errorf("%s: config did not even load: %v", test.name, err)
			continue
		}

		eng, err := buildEngine(cfg, testutils.Logger(t, "engine"))
		if err == nil {
			eng.Close()
			t.Errorf("%s: expected an error", test.name)
		}
	}
}
