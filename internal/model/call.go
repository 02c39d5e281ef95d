package model

import "time"

// CallState tracks the lifecycle of a voice call.
//
// INITIATED -> RINGING -> IN_PROGRESS -> {COMPLETED | FAILED | BUSY | NO_ANSWER | CANCELLED}.
// Duration is only meaningful once IN_PROGRESS has been reached.
type CallState string

const (
	CallInitiated  CallState = "INITIATED"
	CallRinging    CallState = "RINGING"
	CallInProgress CallState = "IN_PROGRESS"
	CallCompleted  CallState = "COMPLETED"
	CallFailed     CallState = "FAILED"
	CallBusy       CallState = "BUSY"
	CallNoAnswer   CallState = "NO_ANSWER"
	CallCancelled  CallState = "CANCELLED"
)

// Terminal reports whether the call has reached a final state.
func (s CallState) Terminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallBusy, CallNoAnswer, CallCancelled:
		return true
	}
	return false
}

var callRank = map[CallState]int{
	CallInitiated:  0,
	CallRinging:    1,
	CallInProgress: 2,
	CallCompleted:  3,
	CallFailed:     3,
	CallBusy:       3,
	CallNoAnswer:   3,
	CallCancelled:  3,
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s CallState) CanTransition(next CallState) bool {
	from, ok := callRank[s]
	if !ok {
		return false
	}
	to, ok := callRank[next]
	if !ok {
		return false
	}
	if s.Terminal() {
		return false
	}
	return to > from
}

// CallUpdate is the normalized form of a voice provider call-status webhook.
type CallUpdate struct {
	CallID    string
	State     CallState
	DurationS int
	Timestamp time.Time
	Error     string
}

// BillableMinutes converts a call duration to whole billed minutes, rounding
// up. Calls that never reached IN_PROGRESS bill zero.
func BillableMinutes(durationS int) int {
	if durationS <= 0 {
		return 0
	}
	return (durationS + 59) / 60
}
