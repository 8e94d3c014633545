package domain

var versionTransitions = map[VersionState][]VersionState{
	VersionPending: {VersionActive, VersionFailed},
	VersionActive:  {},
	VersionFailed:  {},
}

// CanTransitionVersion returns true when a lifecycle transition is allowed.
func CanTransitionVersion(from, to VersionState) bool {
	allowed, ok := versionTransitions[from]
	if !ok {
		return false
	}
	for _, candidate := range allowed {
		if candidate == to {
			return true
		}
	}
	return false
}

// ValidateVersionTransition ensures a version state transition is valid.
// Re-observing the current state is accepted so transitions stay idempotent.
func ValidateVersionTransition(from, to VersionState) error {
	if !from.Valid() || !to.Valid() {
		return &Error{Class: ClassValidation, Kind: "InvalidState", Value: string(to), Err: ErrTerminalState}
	}
	if from == to {
		return nil
	}
	if !CanTransitionVersion(from, to) {
		return &Error{
			Class: ClassValidation,
			Kind:  "TerminalState",
			Field: "state",
			Value: string(to),
			Bound: string(from),
			Err:   ErrTerminalState,
		}
	}
	return nil
}
