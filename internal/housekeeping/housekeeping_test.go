package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestInvalidScheduleFallsBack(t *testing.T) {
	k := New("not a cron line")
	if k.schedule != DefaultSchedule {
		t.Errorf("schedule = %q", k.schedule)
	}
	k = New("")
	if k.schedule != DefaultSchedule {
		t.Errorf("empty schedule = %q", k.schedule)
	}
	k = New("*/2 * * * *")
	if k.schedule != "*/2 * * * *" {
		t.Errorf("valid schedule replaced: %q", k.schedule)
	}
}

func TestRunAllFiresEveryTask(t *testing.T) {
	k := New(DefaultSchedule)
	var a, b atomic.Int32
	k.Register("a", func(context.Context) { a.Add(1) })
	k.Register("b", func(context.Context) { b.Add(1) })
	k.Register("panics", func(context.Context) { panic("boom") })
	k.Register("after-panic", func(context.Context) { a.Add(10) })

	k.RunAll(context.Background())

	if a.Load() != 11 || b.Load() != 1 {
		t.Errorf("a=%d b=%d", a.Load(), b.Load())
	}
}
