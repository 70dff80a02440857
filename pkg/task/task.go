// Package task defines the contract between task bodies and the driver
// that schedules them.
//
// A task body never blocks waiting for other work. It inspects the current
// state, commits whatever it can and reports an Outcome; the driver owns
// requeueing, retry bounds and abort handling.
package task

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ethpandaops/buildsync/pkg/store"
)

var (
	// ErrMaxRetriesExceeded is passed to OnAbort when a bounded task keeps
	// asking to run again.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrUnknownTask is returned for task names with no registered
	// definition.
	ErrUnknownTask = errors.New("unknown task")
)

// Args are the arguments of a task invocation, e.g. {"build_id": "..."}.
type Args map[string]string

// Key returns a stable identity for the arguments. Two invocations of the
// same task with the same key address the same entity. Keys are sorted and
// query-escaped, so distinct argument maps never share a key.
func (a Args) Key() string {
	values := make(url.Values, len(a))
	for k, v := range a {
		values.Set(k, v)
	}

	return values.Encode()
}

// Kind classifies an Outcome.
type Kind int

const (
	KindDone Kind = iota
	KindRetry
	KindFail
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindDone:
		return "done"
	case KindRetry:
		return "retry"
	case KindFail:
		return "fail"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is what a task body reports back to the driver.
type Outcome struct {
	kind Kind
	err  error
}

// Done reports that the task has nothing left to do.
func Done() Outcome { return Outcome{kind: KindDone} }

// Retry asks to run the task again after the continue interval. Work
// committed before returning is kept.
func Retry() Outcome { return Outcome{kind: KindRetry} }

// Fail reports a retryable error. The task is run again with exponential
// backoff.
func Fail(err error) Outcome {
	if err == nil {
		err = errors.New("task failed")
	}

	return Outcome{kind: KindFail, err: err}
}

// Abort stops the task for good and runs its abort handler.
func Abort(err error) Outcome { return Outcome{kind: KindAbort, err: err} }

// Kind returns the outcome's kind.
func (o Outcome) Kind() Kind { return o.kind }

// Err returns the error carried by Fail and Abort outcomes.
func (o Outcome) Err() error { return o.err }

func (o Outcome) String() string {
	if o.err != nil {
		return fmt.Sprintf("%s: %v", o.kind, o.err)
	}

	return o.kind.String()
}

// Func is a task body.
type Func func(ctx context.Context, args Args) Outcome

// AbortFunc handles a task that will not be run again.
type AbortFunc func(ctx context.Context, args Args, err error)

// Definition describes a registered task.
type Definition struct {
	Name string
	Run  Func
	// MaxRetries bounds the number of Retry and Fail outcomes before the
	// task is aborted. Zero means unbounded.
	MaxRetries int
	OnAbort    AbortFunc
}

// VerifyAllChildren derives a parent status from its children's: finished
// when every child is finished (vacuously so with no children), in_progress
// when any child is in progress, otherwise queued.
func VerifyAllChildren(children ...store.Status) store.Status {
	allFinished := true
	anyInProgress := false

	for _, s := range children {
		switch s {
		case store.StatusFinished:
		case store.StatusInProgress:
			allFinished = false
			anyInProgress = true
		default:
			allFinished = false
		}
	}

	switch {
	case allFinished:
		return store.StatusFinished
	case anyInProgress:
		return store.StatusInProgress
	default:
		return store.StatusQueued
	}
}
