// Package round fans a single logical request out to many targets and
// collects responses against a quorum and a deadline. Partial-failure policy
// stays with the caller: a finished round always carries the complete
// per-target outcome, quorum met or not.
package round

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrQuorumNotMet matches any QuorumError via errors.Is.
var ErrQuorumNotMet = errors.New("round: quorum not met")

// State is the per-target lifecycle within one round.
type State string

const (
	// StateSent means the request was written and is awaiting a response.
	StateSent State = "sent"
	// StateFulfilled means the target responded with a payload.
	StateFulfilled State = "fulfilled"
	// StateTimedOut means no response arrived before the round ended.
	StateTimedOut State = "timed_out"
	// StateFailed means the target's handler returned an explicit error, or
	// the request could not be issued at all.
	StateFailed State = "failed"
	// StateUnreachable means the target also exceeded the directory's
	// staleness threshold, beyond this one round's timeout.
	StateUnreachable State = "unreachable"
)

// Options configures one broadcast round.
type Options struct {
	// Timeout bounds the whole round; the round never blocks past it.
	Timeout time.Duration
	// MinComplete is the quorum: the round returns as soon as this many
	// targets are fulfilled. Zero means all targets.
	MinComplete int
}

// Result is the complete outcome of a round.
type Result struct {
	// Completed maps fulfilled targets to their response payloads.
	Completed map[string][]byte
	// TimedOut lists targets that never responded before the round ended.
	TimedOut []string
	// Failed maps targets to their explicit errors.
	Failed map[string]error
	// States records the terminal state of every target.
	States map[string]State
	// MinComplete echoes the quorum the round ran with.
	MinComplete int
	// Duration is the wall-clock time the round took.
	Duration time.Duration
}

// QuorumMet reports whether at least MinComplete targets completed.
func (r *Result) QuorumMet() bool {
	return len(r.Completed) >= r.MinComplete
}

// RequireQuorum returns a QuorumError when the quorum was not met, nil
// otherwise. Calling it is the caller opting not to proceed under-quorum.
func (r *Result) RequireQuorum() error {
	if r.QuorumMet() {
		return nil
	}
	unresponsive := make([]string, 0, len(r.TimedOut)+len(r.Failed))
	unresponsive = append(unresponsive, r.TimedOut...)
	for target := range r.Failed {
		unresponsive = append(unresponsive, target)
	}
	sort.Strings(unresponsive)
	return &QuorumError{
		MinComplete:  r.MinComplete,
		Completed:    len(r.Completed),
		Unresponsive: unresponsive,
	}
}

// QuorumError reports an under-quorum round, naming the quorum that was not
// satisfied and the targets that did not deliver.
type QuorumError struct {
	MinComplete  int
	Completed    int
	Unresponsive []string
}

// Error implements the error interface.
func (e *QuorumError) Error() string {
	return fmt.Sprintf("round: quorum not met: %d/%d completed, unresponsive: %s",
		e.Completed, e.MinComplete, strings.Join(e.Unresponsive, ", "))
}

// Is reports a match for ErrQuorumNotMet.
func (e *QuorumError) Is(target error) bool { return target == ErrQuorumNotMet }
