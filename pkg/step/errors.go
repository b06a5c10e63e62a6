package step

import (
	"fmt"

	"github.com/devicelab-dev/stepflow/pkg/core"
)

// StepError is returned by Run when a chain aborts. It carries the failing
// step and the diagnostic payload recorded in the state store.
type StepError struct {
	Impl    string      // label of the failing step
	Tag     string      // tag of the failing step
	Data    interface{} // data of the failing step
	Err     error       // original error
	Step    *Step       // step executing at the time of failure
	Payload string      // JSON {impl, tag, data, error}
}

func (e *StepError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("step %s [%s]: %v", e.Impl, e.Tag, e.Err)
	}
	return fmt.Sprintf("step %s: %v", e.Impl, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type errorPayload struct {
	Impl  string      `json:"impl"`
	Tag   string      `json:"tag,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error"`
}

func errNilImpl(label string) error {
	return core.ErrNilImpl.WithDetails(map[string]interface{}{"label": label})
}
