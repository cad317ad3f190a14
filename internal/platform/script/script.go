// Package script executes externally-authored mapping expressions against a
// typed variable binding. Expressions are compiled once per script and the
// compiled program is cached; execution itself is synchronous and
// single-threaded per transformation.
package script

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
)

// ReturnType declares the value a script must produce. Dispatch on the
// declared type replaces reflective return-value probing.
type ReturnType string

const (
	// ReturnBool scripts signal continue/stop: a nil or false result means
	// "not applicable", never an error.
	ReturnBool ReturnType = "BOOLEAN"
	// ReturnString scripts produce identifier values and similar scalars.
	ReturnString ReturnType = "STRING"
	// ReturnValue scripts produce an arbitrary constructed value, such as a
	// FHIR element.
	ReturnValue ReturnType = "VALUE"
)

// Well-known variable names bound into every transformation execution.
const (
	VarInput                   = "input"
	VarOutput                  = "output"
	VarContext                 = "context"
	VarRule                    = "rule"
	VarOrganizationUnit        = "organizationUnit"
	VarOrganizationUnitID      = "organizationUnitId"
	VarTrackedEntityType       = "trackedEntityType"
	VarTrackedEntityAttributes = "trackedEntityAttributes"
	VarTrackedEntityInstance   = "trackedEntityInstance"
	VarEnrollment              = "enrollment"
	VarEvent                   = "event"
)

// Source is one executable mapping script as configured on a rule.
type Source struct {
	ID         uuid.UUID
	Name       string
	Code       string
	ReturnType ReturnType
}

// Variables is the binding environment of one script execution.
type Variables map[string]any

// NewVariables returns an empty binding environment.
func NewVariables() Variables {
	return make(Variables)
}

// With sets a variable and returns the environment for chaining.
func (v Variables) With(name string, value any) Variables {
	v[name] = value
	return v
}

// Child clones the environment for a nested execution. Overrides in the
// child are invisible to the parent.
func (v Variables) Child() Variables {
	child := make(Variables, len(v))
	for name, value := range v {
		child[name] = value
	}
	return child
}

// Executor compiles and runs scripts. It is safe for concurrent use; the
// compilation cache is shared, bindings are not.
type Executor struct {
	mu    sync.RWMutex
	cache map[uuid.UUID]*vm.Program
}

func NewExecutor() *Executor {
	return &Executor{cache: make(map[uuid.UUID]*vm.Program)}
}

func (e *Executor) program(src *Source) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[src.ID]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	// Boolean scripts are not compiled with expr.AsBool: a nil result must
	// surface as "stop", not as a cast error.
	prog, err := expr.Compile(src.Code)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", src.Name, err)
	}

	e.mu.Lock()
	e.cache[src.ID] = prog
	e.mu.Unlock()
	return prog, nil
}

// Execute runs the script against vars and returns its raw result.
func (e *Executor) Execute(src *Source, vars Variables) (any, error) {
	prog, err := e.program(src)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(prog, map[string]any(vars))
	if err != nil {
		return nil, fmt.Errorf("execute script %s: %w", src.Name, err)
	}
	return result, nil
}

// ExecuteBool runs a continue/stop script. Only an explicit true result
// continues; nil and false both mean "stop, not applicable". Running a
// script whose declared return type is not BOOLEAN is a programming error.
func (e *Executor) ExecuteBool(src *Source, vars Variables) (bool, error) {
	if src.ReturnType != ReturnBool {
		return false, fmt.Errorf("script %s declares return type %s, not %s", src.Name, src.ReturnType, ReturnBool)
	}
	result, err := e.Execute(src, vars)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	return ok && b, nil
}

// ExecuteString runs a script declared to return a string. A nil result is
// returned as the empty string with ok=false.
func (e *Executor) ExecuteString(src *Source, vars Variables) (string, bool, error) {
	if src.ReturnType != ReturnString {
		return "", false, fmt.Errorf("script %s declares return type %s, not %s", src.Name, src.ReturnType, ReturnString)
	}
	result, err := e.Execute(src, vars)
	if err != nil {
		return "", false, err
	}
	if result == nil {
		return "", false, nil
	}
	s, ok := result.(string)
	if !ok {
		return "", false, fmt.Errorf("script %s returned %T, want string", src.Name, result)
	}
	return s, true, nil
}
