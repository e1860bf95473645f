package queue

import (
	"reflect"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	check := func(raw string, expected []time.Duration) {
		t.Helper()
		actual, err := ParseSchedule(raw)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", raw, err)
			return
		}
		if !reflect.DeepEqual(actual, expected) {
			t.Errorf("%q: want %v, got %v", raw, expected, actual)
		}
	}
	checkFail := func(raw string) {
		t.Helper()
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("%q: expected an error", raw)
		}
	}

	check("5m", []time.Duration{5 * time.Minute})
	check("5m, 3*15m, 1h", []time.Duration{
		5 * time.Minute,
		15 * time.Minute, 15 * time.Minute, 15 * time.Minute,
		time.Hour,
	})
	check(" 2 * 30s ,1m", []time.Duration{30 * time.Second, 30 * time.Second, time.Minute})

	checkFail("")
	checkFail("5")
	checkFail("x*5m")
	checkFail("0*5m")
	checkFail("-5m")
}

func TestScheduleDelay(t *testing.T) {
	schedule := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}

	for _, c := range []struct {
		tries int
		want  time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{10, 4 * time.Minute},
	} {
		if got := scheduleDelay(schedule, c.tries); got != c.want {
			t.Errorf("tries=%d: want %v, got %v", c.tries, c.want, got)
		}
	}
}
