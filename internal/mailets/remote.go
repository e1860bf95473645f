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

package mailets

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spoold/spoold/framework/log"
	"github.com/spoold/spoold/internal/queue"
	"github.com/spoold/spoold/internal/smtpconn"
	"github.com/spoold/spoold/internal/target/remote"
)

// NewRemoteQueue builds the outbound delivery stack (MX/gateway target plus
// the retry queue in front of it) from the RemoteDelivery option bag.
//
// Recognized options: outgoingQueue, delayTime, maxRetries,
// maxDnsProblemRetries, deliveryThreads, sendpartial, gateway,
// bounceProcessor. The returned queue must be closed on shutdown.
func NewRemoteQueue(deps Deps, opts map[string]string) (*queue.Queue, error) {
	targetCfg := remote.Config{
		Hostname: deps.Hostname,
		Log:      log.Logger{Out: deps.Log.Out, Name: "remote", Debug: deps.Log.Debug},
	}
	queueCfg := queue.Config{
		Hostname:         deps.Hostname,
		AutogenMsgDomain: deps.AutogenMsgDomain,
		Bounce:           deps.Spool,
		BounceState:      "bounces",
	}

	queueName := "outbound"

	for name, value := range opts {
		var err error
		switch name {
		case "outgoingQueue":
			queueName = value
		case "delayTime":
			queueCfg.Schedule, err = queue.ParseSchedule(value)
		case "maxRetries":
			queueCfg.MaxTries, err = strconv.Atoi(value)
		case "maxDnsProblemRetries":
			queueCfg.MaxDNSTries, err = strconv.Atoi(value)
		case "deliveryThreads":
			queueCfg.MaxParallelism, err = strconv.Atoi(value)
		case "sendpartial":
			queueCfg.SendPartial, err = strconv.ParseBool(value)
		case "bounceProcessor":
			queueCfg.BounceState = value
		case "gateway":
			for _, raw := range strings.Split(value, ",") {
				endp, perr := smtpconn.ParseEndpoint(strings.TrimSpace(raw))
				if perr != nil {
					err = perr
					break
				}
				targetCfg.Gateways = append(targetCfg.Gateways, endp)
			}
		default:
			return nil, fmt.Errorf("RemoteDelivery: unknown option: %s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("RemoteDelivery: invalid %s: %w", name, err)
		}
	}

	queueCfg.Log = log.Logger{Out: deps.Log.Out, Name: "queue/" + queueName, Debug: deps.Log.Debug}

	tgt, err := remote.New(targetCfg)
	if err != nil {
		return nil, err
	}
	queueCfg.Target = tgt

	return queue.New(queueCfg)
}
