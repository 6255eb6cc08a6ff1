package scheduler

import (
	"regexp"
	"slices"
)

// Creator builds the real tasks behind a delayed placeholder.
type Creator func() ([]*Task, error)

// DelayedLoader defers task creation until dispatch reaches the placeholder.
// One loader may back several placeholders: the declared task plus every
// name in Creates and any "base:sub" name referenced elsewhere.
type DelayedLoader struct {
	Creator Creator

	// Creates lists task names the creator is expected to produce, so other
	// tasks can depend on them before they exist.
	Creates []string

	// TargetRegex makes the loader a candidate for unknown target selectors.
	TargetRegex *regexp.Regexp

	basename string
	created  bool
}

// Created reports whether the creator already ran.
func (l *DelayedLoader) Created() bool {
	return l.created
}

// RegexGroup tracks the delayed tasks that might produce a selected target.
type RegexGroup struct {
	Target     string
	Candidates []string // placeholder task names still in the running
	Found      bool     // set once a candidate produced Target
}

func (g *RegexGroup) drop(name string) {
	g.Candidates = slices.DeleteFunc(g.Candidates, func(c string) bool {
		return c == name
	})
}
