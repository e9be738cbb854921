// Package jobs implements job execution control: submission, staging,
// status, listing and kill, on top of a compare-and-set job store.
package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted and returned over the API; they are part of
// the stable contract.
type Status string

const (
	StatusInit      Status = "INIT"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusKilled    Status = "KILLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusInit, StatusRunning, StatusSucceeded, StatusFailed, StatusKilled}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, s)
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusKilled
}

// CanTransition reports whether s -> next is a legal lifecycle step.
//
//	INIT    -> RUNNING | FAILED | KILLED
//	RUNNING -> SUCCEEDED | FAILED | KILLED
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusInit:
		return next == StatusRunning || next == StatusFailed || next == StatusKilled
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed || next == StatusKilled
	default:
		return false
	}
}

// ClusterCriteria is one set of tags a cluster must carry. A request lists
// criteria in priority order; the first one that matches a cluster wins.
type ClusterCriteria struct {
	Tags []string `json:"tags" yaml:"tags"`
}

// Request is the submitted intent for a job. It is never mutated after
// normalization.
type Request struct {
	ID               string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	User             string            `json:"user,omitempty" yaml:"user,omitempty"`
	Command          string            `json:"command" yaml:"command"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	ClusterCriteria  []ClusterCriteria `json:"clusterCriteria" yaml:"clusterCriteria"`
	CommandCriteria  []string          `json:"commandCriteria,omitempty" yaml:"commandCriteria,omitempty"`
	FileDependencies []string          `json:"fileDependencies,omitempty" yaml:"fileDependencies,omitempty"`
	ClientHost       string            `json:"clientHost,omitempty" yaml:"clientHost,omitempty"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Record is the persisted lifecycle record of a job.
type Record struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	User             string            `json:"user"`
	Status           Status            `json:"status"`
	StatusMsg        string            `json:"statusMsg,omitempty"`
	ClusterName      string            `json:"clusterName,omitempty"`
	ClusterID        string            `json:"clusterId,omitempty"`
	ClientHost       string            `json:"clientHost,omitempty"`
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	ClusterCriteria  []ClusterCriteria `json:"clusterCriteria,omitempty"`
	CommandCriteria  []string          `json:"commandCriteria,omitempty"`
	FileDependencies []string          `json:"fileDependencies,omitempty"`
	Description      string            `json:"description,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	SandboxDir       string            `json:"sandboxDir,omitempty"`
	ExitCode         *int              `json:"exitCode,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Args = append([]string(nil), r.Args...)
	out.CommandCriteria = append([]string(nil), r.CommandCriteria...)
	out.FileDependencies = append([]string(nil), r.FileDependencies...)
	out.Tags = append([]string(nil), r.Tags...)
	if r.ClusterCriteria != nil {
		out.ClusterCriteria = make([]ClusterCriteria, len(r.ClusterCriteria))
		for i, c := range r.ClusterCriteria {
			out.ClusterCriteria[i] = ClusterCriteria{Tags: append([]string(nil), c.Tags...)}
		}
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		out.ExitCode = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}

// StatusUpdate carries the fields written together with a status transition.
type StatusUpdate struct {
	// Msg replaces the record's status message.
	Msg string

	// ClusterName and ClusterID are written when non-empty.
	ClusterName string
	ClusterID   string

	// ExitCode is written when non-nil.
	ExitCode *int

	// At is the transition time. Zero means now.
	At time.Time
}

// Apply writes a transition to r. Stores call it after their status check
// succeeds; it does not validate the transition itself.
func (r *Record) Apply(next Status, u StatusUpdate) {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.Status = next
	r.StatusMsg = u.Msg
	r.UpdatedAt = at
	if u.ClusterName != "" {
		r.ClusterName = u.ClusterName
	}
	if u.ClusterID != "" {
		r.ClusterID = u.ClusterID
	}
	if u.ExitCode != nil {
		v := *u.ExitCode
		r.ExitCode = &v
	}
	if next == StatusRunning && r.StartedAt == nil {
		t := at
		r.StartedAt = &t
	}
	if next.IsTerminal() && r.FinishedAt == nil {
		t := at
		r.FinishedAt = &t
	}
}

// Filter is a conjunction of list predicates. Empty fields match everything.
type Filter struct {
	ID string

	// Name supports SQL LIKE wildcards: % matches any run, _ one character.
	Name string

	User        string
	Statuses    []Status
	ClusterName string
	ClusterID   string
}

// Matches evaluates the filter against a record in memory, with the same
// semantics as the SQL store. Use Matcher when testing many records.
func (f Filter) Matches(r *Record) bool {
	return f.Matcher()(r)
}

// Matcher compiles the filter once and returns a predicate for records.
func (f Filter) Matcher() func(*Record) bool {
	var name LikePattern
	if f.Name != "" {
		name = CompileLike(f.Name)
	}
	return func(r *Record) bool {
		if f.ID != "" && r.ID != f.ID {
			return false
		}
		if f.Name != "" && !name.Match(r.Name) {
			return false
		}
		if f.User != "" && r.User != f.User {
			return false
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			return false
		}
		if f.ClusterName != "" && r.ClusterName != f.ClusterName {
			return false
		}
		if f.ClusterID != "" && r.ClusterID != f.ClusterID {
			return false
		}
		return true
	}
}

// LikePattern is a compiled SQL LIKE pattern. Like SQLite, it folds case for
// ASCII letters only; other characters must match exactly.
type LikePattern struct {
	pattern []rune
}

// CompileLike compiles a LIKE pattern: % matches any run, _ one character.
func CompileLike(pattern string) LikePattern {
	p := []rune(pattern)
	for i, r := range p {
		p[i] = foldASCII(r)
	}
	return LikePattern{pattern: p}
}

// Match reports whether s matches the whole pattern.
func (l LikePattern) Match(s string) bool {
	str := []rune(s)
	p := l.pattern
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(p) && p[pi] == '%':
			star, mark = pi, si
			pi++
		case pi < len(p) && (p[pi] == '_' || p[pi] == foldASCII(str[si])):
			pi++
			si++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

// MatchLike reports whether s matches a SQL LIKE pattern.
func MatchLike(pattern, s string) bool {
	return CompileLike(pattern).Match(s)
}

func foldASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// CompletionFunc reports the natural end of a job's execution.
type CompletionFunc func(ctx context.Context, id string, exitCode int, detail string)

// Launcher starts and stops job processes. It owns the RUNNING ->
// SUCCEEDED|FAILED transition, which it reports through the CompletionFunc.
type Launcher interface {
	Launch(ctx context.Context, rec *Record, done CompletionFunc) error

	// Terminate is advisory; the job is already KILLED in the store.
	Terminate(ctx context.Context, id string) error
}
