package bridge

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/serialization"
)

type waitPhase int

const (
	waitIdle waitPhase = iota
	waitArmed
	waitSatisfied
)

func (p waitPhase) String() string {
	switch p {
	case waitIdle:
		return "idle"
	case waitArmed:
		return "armed"
	case waitSatisfied:
		return "satisfied"
	default:
		return "unknown"
	}
}

// waitTarget names the indication event a synchronous call expects and the
// handle it must arrive on, which is the one the request went out on.
// dataType is set only for discovery, where every answer arrives on the
// lookup SUID and only the data type tells them apart.
type waitTarget struct {
	handleID string
	suid     contracts.SUID
	event    serialization.EventID
	dataType string
}

func (t waitTarget) String() string {
	if t.dataType != "" {
		return fmt.Sprintf("%s/%s[%s]", t.suid, t.event, t.dataType)
	}
	return fmt.Sprintf("%s/%s", t.suid, t.event)
}

// waitResult is what a satisfied wait hands back to the caller.
type waitResult struct {
	payload   cbor.RawMessage
	timestamp uint64
	err       error
}

// pendingWait is the single synchronous wait slot. Every method must be
// called with the bridge mutex held.
//
// done is created by arm and closed exactly once by offer, under the same
// mutex, so the waiter can select on it alongside its deadline. gen tags
// each arming; disarm and take with a stale generation are no-ops, which is
// what keeps a late indication from touching a later wait.
type pendingWait struct {
	phase  waitPhase
	gen    uint64
	target waitTarget
	done   chan struct{}
	result waitResult
}

// arm moves Idle to Armed. A second arm while not Idle is a contract
// violation.
func (w *pendingWait) arm(target waitTarget) (uint64, <-chan struct{}, error) {
	if w.phase != waitIdle {
		return 0, nil, fmt.Errorf("%w: synchronous wait already %s for %s",
			contracts.ErrInvalidArgument, w.phase, w.target)
	}
	w.gen++
	w.phase = waitArmed
	w.target = target
	w.done = make(chan struct{})
	w.result = waitResult{}
	return w.gen, w.done, nil
}

// offer satisfies the wait with ev if it is armed and ev matches. It
// reports whether it did. An already satisfied wait ignores duplicates.
func (w *pendingWait) offer(handleID string, suid contracts.SUID, ev serialization.IndicationEvent) bool {
	if w.phase != waitArmed || suid != w.target.suid || ev.MsgID != w.target.event {
		return false
	}
	if w.target.handleID != "" && handleID != w.target.handleID {
		return false
	}

	w.result = waitResult{payload: ev.Payload, timestamp: ev.Timestamp}
	if w.target.dataType != "" {
		dataType, err := serialization.PeekDataType(ev.Payload)
		switch {
		case err != nil:
			w.result.err = err
		case dataType != w.target.dataType:
			w.result = waitResult{}
			return false
		}
	}

	w.phase = waitSatisfied
	close(w.done)
	return true
}

// take returns the result for generation gen if it was satisfied.
func (w *pendingWait) take(gen uint64) (waitResult, bool) {
	if gen != w.gen || w.phase != waitSatisfied {
		return waitResult{}, false
	}
	return w.result, true
}

// disarm returns the slot to Idle if gen still owns it.
func (w *pendingWait) disarm(gen uint64) {
	if gen != w.gen || w.phase == waitIdle {
		return
	}
	w.phase = waitIdle
	w.target = waitTarget{}
	w.result = waitResult{}
	w.done = nil
}

func (w *pendingWait) active() bool {
	return w.phase != waitIdle
}
