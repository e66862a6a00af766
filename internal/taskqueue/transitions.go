package taskqueue

import "github.com/ralph-fleet/ralphd/internal/ralphtypes"

// allowedTransitions enumerates every legal (from, to) status move per
// §4.D. Any transition not listed here is rejected by the store before it
// ever reaches SQL.
var allowedTransitions = map[ralphtypes.TaskStatus]map[ralphtypes.TaskStatus]bool{
	ralphtypes.StatusQueued: {
		ralphtypes.StatusStarting: true,
	},
	ralphtypes.StatusStarting: {
		ralphtypes.StatusInProgress: true,
	},
	ralphtypes.StatusInProgress: {
		ralphtypes.StatusDone:        true,
		ralphtypes.StatusThrottled:   true,
		ralphtypes.StatusBlocked:     true,
		ralphtypes.StatusEscalated:   true,
		ralphtypes.StatusWaitingOnPR: true,
	},
	ralphtypes.StatusThrottled: {
		ralphtypes.StatusQueued: true,
	},
	ralphtypes.StatusBlocked: {
		ralphtypes.StatusQueued: true,
	},
	ralphtypes.StatusEscalated: {
		ralphtypes.StatusQueued: true,
	},
	ralphtypes.StatusWaitingOnPR: {
		// External reconciliation (Component K) re-parks this task; per
		// the retained open question it does not self-poll back to
		// queued, so no outbound transition is modeled here beyond an
		// explicit waiting-on-pr -> queued update, the same path
		// blocked/escalated already use. No daemon job drives it.
		ralphtypes.StatusQueued: true,
	},
}

// IsAllowedTransition reports whether from -> to is a legal status move.
func IsAllowedTransition(from, to ralphtypes.TaskStatus) bool {
	if from == to {
		return false
	}
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
