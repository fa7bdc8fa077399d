package lifecycle

import "qms/mpp-desk/internal/models"

const (
	ActionCall     = "call"
	ActionRecall   = "recall"
	ActionServe    = "serve"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionCallNext = "call_next"
)

var transitionMap = map[string][]string{
	ActionCall:     {models.StatusWaiting},
	ActionRecall:   {models.StatusCalled},
	ActionServe:    {models.StatusCalled},
	ActionComplete: {models.StatusServed},
	ActionCancel:   {models.StatusWaiting, models.StatusCalled, models.StatusServed},
	ActionCallNext: {models.StatusWaiting},
}

func ValidTransition(action, fromStatus string) bool {
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
