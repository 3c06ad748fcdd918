package dag

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/stepgate/internal/model"
)

// CyclicDependencyError names the steps of a dependency cycle in order. The
// first step is repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == model.ErrDefinition }

// UnknownDependencyError is a depends_on entry naming no declared step.
type UnknownDependencyError struct {
	Step    string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step '%s' depends on unknown step '%s'", e.Step, e.Missing)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == model.ErrDefinition }

// UnknownGateStepError is an approval gate referencing no declared step.
type UnknownGateStepError struct {
	Gate    string
	Missing string
}

func (e *UnknownGateStepError) Error() string {
	return fmt.Sprintf("approval gate '%s' references unknown step '%s'", e.Gate, e.Missing)
}

func (e *UnknownGateStepError) Is(target error) bool { return target == model.ErrDefinition }

// RiskReferenceError is a risk factor reading a step that is unknown or not
// upstream of the step it scores.
type RiskReferenceError struct {
	Step      string
	Factor    string
	Reference string
	Unknown   bool
}

func (e *RiskReferenceError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("step '%s' risk factor '%s' references unknown step in %s", e.Step, e.Factor, e.Reference)
	}
	return fmt.Sprintf("step '%s' risk factor '%s' references %s, which is not upstream", e.Step, e.Factor, e.Reference)
}

func (e *RiskReferenceError) Is(target error) bool { return target == model.ErrDefinition }

// InvalidOperationError is an operation with an unknown type or missing or
// malformed parameters.
type InvalidOperationError struct {
	Step   string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("step '%s' has an invalid operation: %s", e.Step, e.Reason)
}

func (e *InvalidOperationError) Is(target error) bool { return target == model.ErrDefinition }

// definitionError wraps any other validation failure.
func definitionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrDefinition, fmt.Sprintf(format, args...))
}
