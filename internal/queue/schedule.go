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

package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSchedule parses the retry delay schedule mini-language: a
// comma-separated list of durations, each optionally prefixed with a
// repetition count.
//
//	"5m, 3*15m, 1h, 6h"
//
// expands to [5m 15m 15m 15m 1h 6h]. The n-th attempt is retried after the
// n-th delay, attempts past the end of the schedule reuse the last delay.
func ParseSchedule(raw string) ([]time.Duration, error) {
	var schedule []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		count := 1
		durStr := part
		if countStr, rest, found := strings.Cut(part, "*"); found {
			var err error
			count, err = strconv.Atoi(strings.TrimSpace(countStr))
			if err != nil {
				return nil, fmt.Errorf("queue: malformed repetition count in %q: %w", part, err)
			}
			if count <= 0 {
				return nil, fmt.Errorf("queue: repetition count must be positive in %q", part)
			}
			durStr = strings.TrimSpace(rest)
		}

		dur, err := time.ParseDuration(durStr)
		if err != nil {
			return nil, fmt.Errorf("queue: malformed duration in %q: %w", part, err)
		}
		if dur <= 0 {
			return nil, fmt.Errorf("queue: duration must be positive in %q", part)
		}

		for i := 0; i < count; i++ {
			schedule = append(schedule, dur)
		}
	}

	if len(schedule) == 0 {
		return nil, fmt.Errorf("queue: empty schedule")
	}
	return schedule, nil
}

// scheduleDelay returns the delay before the attempt following triesCount
// completed attempts.
func scheduleDelay(schedule []time.Duration, triesCount int) time.Duration {
	if triesCount < 1 {
		triesCount = 1
	}
	if triesCount > len(schedule) {
		triesCount = len(schedule)
	}
	return schedule[triesCount-1]
}
