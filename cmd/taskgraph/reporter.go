package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/runner"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// reporter prints one line per task event until the bus closes.
type reporter struct {
	w    io.Writer
	sub  <-chan events.Event
	done chan struct{}
}

func newReporter(w io.Writer, bus *events.EventBus) *reporter {
	return &reporter{
		w:    w,
		sub:  bus.Subscribe(events.TopicTask, 1024),
		done: make(chan struct{}),
	}
}

func (r *reporter) start() {
	go func() {
		defer close(r.done)
		for ev := range r.sub {
			r.print(ev)
		}
	}()
}

// wait blocks until the bus is closed and every event is printed.
func (r *reporter) wait() {
	<-r.done
}

func (r *reporter) print(ev events.Event) {
	switch ev := ev.(type) {
	case events.TaskExecutingEvent:
		fmt.Fprintf(r.w, ".  %s\n", ev.ID)
	case events.TaskSkippedEvent:
		if ev.Status == "ignore" {
			fmt.Fprintf(r.w, "!! %s\n", ev.ID)
		} else {
			fmt.Fprintf(r.w, "-- %s\n", ev.ID)
		}
	case events.TaskFailedEvent:
		fmt.Fprintf(r.w, "XX %s\n", ev.ID)
	case events.TeardownFailedEvent:
		fmt.Fprintf(r.w, "WARNING: teardown of %s failed: %v\n", ev.ID, ev.Err)
	}
}

// printSummary writes the failures and a one-line tally of the session.
func printSummary(w io.Writer, s *runner.Summary) {
	if s == nil {
		return
	}
	if len(s.Failures) > 0 {
		fmt.Fprintln(w, strings.Repeat("#", 60))
		for _, f := range s.Failures {
			fmt.Fprintln(w, f.Error())
		}
		fmt.Fprintln(w, strings.Repeat("#", 60))
	}

	var skipped int
	for _, rep := range s.Tasks {
		if rep.Status == scheduler.StatusUpToDate || rep.Status == scheduler.StatusIgnore {
			skipped++
		}
	}

	start := time.Now()
	elapsed := strings.TrimSpace(humanize.RelTime(start.Add(-s.Duration), start, "", ""))
	fmt.Fprintf(w, "%s: %s executed, %s skipped, %s failed (%s)\n",
		s.Result,
		humanize.Comma(int64(len(s.Executed))),
		humanize.Comma(int64(skipped)),
		humanize.Comma(int64(len(s.Failures))),
		elapsed,
	)
}
