package domain

// Severity ranks a status for stage aggregation. Statuses that only
// contribute through "all jobs" rules rank zero.
func Severity(s Status) int {
	switch s {
	case StatusFailed:
		return 4
	case StatusRunning:
		return 3
	case StatusPending:
		return 2
	case StatusManual:
		return 1
	default:
		return 0
	}
}

// Aggregate derives a stage status from all of its job statuses. The first
// matching rule wins: any failed, any running, any pending, any manual, all
// created, all success. ok is false when no rule matches; callers keep the
// previous aggregate in that case.
func Aggregate(statuses []Status) (agg Status, ok bool) {
	if len(statuses) == 0 {
		return StatusUnknown, false
	}

	top := statuses[0]
	allSame := true
	for _, s := range statuses[1:] {
		if Severity(s) > Severity(top) {
			top = s
		}
		if s != statuses[0] {
			allSame = false
		}
	}

	if Severity(top) > 0 {
		return top, true
	}

	if allSame && (statuses[0] == StatusCreated || statuses[0] == StatusSuccess) {
		return statuses[0], true
	}

	return StatusUnknown, false
}
