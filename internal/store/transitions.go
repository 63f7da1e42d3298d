package store

import "photoline/internal/models"

// Manual status corrections made from the staff consoles. Moving a ticket to
// current or photos_uploaded is reserved for advance and delivery.
const (
	ActionReset        = "reset"
	ActionWarmup       = "warmup"
	ActionPhotographed = "photographed"
)

var transitionMap = map[string][]models.Status{
	ActionReset:        {models.StatusNotificationSent, models.StatusCurrent, models.StatusCompleted},
	ActionWarmup:       {models.StatusWaiting},
	ActionPhotographed: {models.StatusWaiting, models.StatusNotificationSent, models.StatusCurrent},
}

func ActionForStatus(target models.Status) (string, bool) {
	switch target {
	case models.StatusWaiting:
		return ActionReset, true
	case models.StatusNotificationSent:
		return ActionWarmup, true
	case models.StatusCompleted:
		return ActionPhotographed, true
	default:
		return "", false
	}
}

func ValidTransition(action string, fromStatus models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// Entered reports whether a write moved a ticket into status from some other status.
func Entered(from, to, status models.Status) bool {
	return from != status && to == status
}
