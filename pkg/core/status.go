package core

// RunStatus represents the lifecycle state of a step run
type RunStatus int

const (
	StatusIdle      RunStatus = iota // No run started yet (or store reset)
	StatusRunning                    // A run is executing steps
	StatusCompleted                  // Chain ended without error
	StatusError                      // Chain aborted with an error
)

// String returns the string representation of RunStatus
func (s RunStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// MarshalText lets RunStatus serialize as its name in JSON and YAML.
func (s RunStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone         ErrorCategory = iota // No error
	ErrCategoryCancellation                      // Run identity stopped or superseded
	ErrCategoryStep                              // Step implementation failed
	ErrCategoryInterceptor                       // Interceptor failed (logged, never escalated)
	ErrCategoryBridge                            // Native bridge call failed or returned garbage
	ErrCategoryConfig                            // Invalid configuration, missing required field
	ErrCategoryScript                            // JS script failed to load or evaluate
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryCancellation:
		return "cancellation"
	case ErrCategoryStep:
		return "step"
	case ErrCategoryInterceptor:
		return "interceptor"
	case ErrCategoryBridge:
		return "bridge"
	case ErrCategoryConfig:
		return "config"
	case ErrCategoryScript:
		return "script"
	default:
		return "unknown"
	}
}
