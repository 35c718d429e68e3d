package workflows

// StateMachine enforces status transitions for marketplace entities
type StateMachine struct {
	allowedTransitions map[string][]string
}

// NewOrderStateMachine returns the transition table for marketplace orders.
// No transition skips a state; COMPLETED, CANCELLED and FAILED are terminal.
func NewOrderStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[string][]string{
			"PENDING":   {"ESCROWED", "CANCELLED"},
			"ESCROWED":  {"COMPLETED", "FAILED"},
			"COMPLETED": {},
			"CANCELLED": {},
			"FAILED":    {},
		},
	}
}

// NewListingStateMachine returns the transition table for marketplace listings.
func NewListingStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[string][]string{
			"OPEN":             {"PARTIALLY_FILLED", "FILLED", "CANCELLED"},
			"PARTIALLY_FILLED": {"OPEN", "FILLED", "CANCELLED"},
			"FILLED":           {"PARTIALLY_FILLED", "OPEN"}, // settlement failure returns quantity
			"CANCELLED":        {},
		},
	}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to string) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine) GetAllowedTransitions(from string) []string {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []string{}
	}
	return allowed
}
