package lifecycle

import (
	"tabular-platform/internal/models"
)

// AggregateStatus summarizes a flight from its member job statuses. It is
// recomputed on every read and never stored, so the members stay the only
// source of truth. The result does not depend on member order.
//
// Any active member makes the flight running. With everything settled:
// all success -> success, any fail -> fail, otherwise stopped.
func AggregateStatus(members []models.Status) models.Status {
	allSuccess := true
	anyFail := false
	for _, s := range members {
		if IsActive(s) {
			return models.StatusRunning
		}
		if s != models.StatusSuccess {
			allSuccess = false
		}
		if s == models.StatusFail {
			anyFail = true
		}
	}
	if allSuccess {
		return models.StatusSuccess
	}
	if anyFail {
		return models.StatusFail
	}
	return models.StatusStopped
}
