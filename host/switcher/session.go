package switcher

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"

	"picoswitch/host/device"
)

// Session states, one per orchestrator step
const (
	StateIdle       = "idle"
	StateDetecting  = "detecting"
	StateTriggering = "triggering"
	StateLocating   = "locating"
	StateInstalling = "installing"
	StateHelpers    = "helpers"
	StateVerifying  = "verifying"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

// Session events
const (
	EventDetect  = "detect"
	EventTrigger = "trigger"
	EventLocate  = "locate"
	EventInstall = "install"
	EventHelpers = "helpers"
	EventVerify  = "verify"
	EventSucceed = "succeed"
	EventFail    = "fail"
)

// Outcome is the final result of a session
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeMismatch Outcome = "mismatch"
	OutcomeFailed   Outcome = "failed"
)

// Session is the working state of one switch invocation
type Session struct {
	*fsm.FSM

	Start    device.Identity
	Target   device.Identity
	Last     device.Identity
	Deadline time.Time
	Outcome  Outcome
	Err      error

	metrics   *Metrics
	stepStart time.Time
}

func newSession(target device.Identity, deadline time.Time, metrics *Metrics) *Session {
	s := &Session{
		Target:    target,
		Last:      device.Unknown,
		Start:     device.Unknown,
		Deadline:  deadline,
		metrics:   metrics,
		stepStart: time.Now(),
	}

	active := []string{StateIdle, StateDetecting, StateTriggering, StateLocating, StateInstalling, StateHelpers, StateVerifying}
	events := fsm.Events{
		{Name: EventDetect, Src: []string{StateIdle}, Dst: StateDetecting},
		{Name: EventTrigger, Src: []string{StateDetecting}, Dst: StateTriggering},
		{Name: EventLocate, Src: []string{StateDetecting, StateTriggering}, Dst: StateLocating},
		{Name: EventInstall, Src: []string{StateLocating}, Dst: StateInstalling},
		// Helpers also run on the skipped path, straight after detection
		{Name: EventHelpers, Src: []string{StateDetecting, StateInstalling}, Dst: StateHelpers},
		{Name: EventVerify, Src: []string{StateInstalling, StateHelpers}, Dst: StateVerifying},
		{Name: EventSucceed, Src: []string{StateDetecting, StateInstalling, StateHelpers, StateVerifying}, Dst: StateSucceeded},
		{Name: EventFail, Src: active, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		"enter_state":          s.actionEnterState,
		"enter_" + StateFailed: s.actionEnterFailed,
	}

	s.FSM = fsm.NewFSM(StateIdle, events, callbacks)
	return s
}

// actionEnterState records how long the step being left took
func (s *Session) actionEnterState(_ context.Context, e *fsm.Event) {
	now := time.Now()
	if e.Src != StateIdle {
		s.metrics.observeStep(e.Src, now.Sub(s.stepStart))
	}
	s.stepStart = now
}

// actionEnterFailed wraps the failure cause with the step it happened in
func (s *Session) actionEnterFailed(_ context.Context, e *fsm.Event) {
	var cause error = errors.New("unknown error")
	if len(e.Args) > 0 {
		if err, ok := e.Args[0].(error); ok && err != nil {
			cause = err
		}
	}
	s.Outcome = outcomeOf(cause)
	s.Err = &device.StepError{Step: e.Src, Last: s.Last, Err: cause}
}

// advance moves to the next step. It refuses once ctx is done, so an operator
// abort takes effect between steps.
func (s *Session) advance(ctx context.Context, event string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Event(ctx, event)
}

// fail ends the session and returns the aggregate error
func (s *Session) fail(ctx context.Context, err error) error {
	// The failing ctx must not block the transition itself
	if ferr := s.Event(context.WithoutCancel(ctx), EventFail, err); ferr != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(ferr, &noTransition) {
			return errors.Join(err, ferr)
		}
	}
	return s.Err
}

// succeed ends the session with outcome
func (s *Session) succeed(ctx context.Context, outcome Outcome) error {
	s.Outcome = outcome
	return s.Event(context.WithoutCancel(ctx), EventSucceed)
}

func outcomeOf(err error) Outcome {
	switch {
	case errors.Is(err, device.ErrIdentityMismatch):
		return OutcomeMismatch
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeFailed
	}
}
