package machine

import (
	"context"
	"fmt"
	"time"

	"stator/internal/models"
)

// DefaultTryInterval spaces attempts when neither the machine nor the state sets one.
const DefaultTryInterval = 30 * time.Second

// Handler attempts a transition for a claimed entity.
type Handler func(ctx context.Context, e models.Entity) (Result, error)

// Result is what a handler decided. An empty State means no-op.
type Result struct {
	State string
	// Data is merged into the entity payload when the entity advances.
	Data map[string]any
}

// NoOp leaves the entity where it is and records the attempt.
var NoOp = Result{}

// Advance moves the entity to state.
func Advance(state string) Result {
	return Result{State: state}
}

// AdvanceWith moves the entity to state and patches its payload.
func AdvanceWith(state string, data map[string]any) Result {
	return Result{State: state, Data: data}
}

// IsNoOp reports whether the handler declined to advance.
func (r Result) IsNoOp() bool {
	return r.State == ""
}

// State declares one node of a machine.
type State struct {
	Name     string
	Initial  bool
	Terminal bool
	// TryInterval overrides the machine-wide interval for this state.
	TryInterval time.Duration
}

// Transition is a candidate edge out of From.
type Transition struct {
	Name    string
	From    string
	To      string
	Handler Handler
	// Delay makes the transition eligible only once the entity has been in From this long.
	Delay time.Duration
	// MaxAttempts caps attempts from From before the entity is forced to the error state.
	// Zero means unlimited.
	MaxAttempts int
}

// Label names the transition for logs and metrics.
func (t Transition) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.From + "->" + t.To
}

// Definition is the declarative input to New.
type Definition struct {
	Name        string
	States      []State
	Transitions []Transition
	TryInterval time.Duration
	// ErrorState receives entities whose transitions exhausted their attempts.
	ErrorState string
}

// Machine is a validated, immutable state machine.
type Machine struct {
	name        string
	initial     string
	errorState  string
	tryInterval time.Duration
	states      []State
	byName      map[string]State
	outgoing    map[string][]Transition
}

// New validates def and builds a Machine.
func New(def Definition) (*Machine, error) {
	if def.Name == "" {
		return nil, &DefinitionError{Reason: "machine name is required"}
	}
	fail := func(format string, args ...any) (*Machine, error) {
		return nil, &DefinitionError{Machine: def.Name, Reason: fmt.Sprintf(format, args...)}
	}

	tryInterval := def.TryInterval
	if tryInterval <= 0 {
		tryInterval = DefaultTryInterval
	}

	m := &Machine{
		name:        def.Name,
		errorState:  def.ErrorState,
		tryInterval: tryInterval,
		byName:      make(map[string]State, len(def.States)),
		outgoing:    make(map[string][]Transition),
	}

	for _, s := range def.States {
		if s.Name == "" {
			return fail("state with empty name")
		}
		if _, dup := m.byName[s.Name]; dup {
			return fail("duplicate state %q", s.Name)
		}
		if s.Initial {
			if m.initial != "" {
				return fail("states %q and %q are both initial", m.initial, s.Name)
			}
			if s.Terminal {
				return fail("initial state %q cannot be terminal", s.Name)
			}
			m.initial = s.Name
		}
		m.byName[s.Name] = s
		m.states = append(m.states, s)
	}
	if m.initial == "" {
		return fail("no initial state")
	}

	for _, t := range def.Transitions {
		from, ok := m.byName[t.From]
		if !ok {
			return fail("transition %s: unknown source state %q", t.Label(), t.From)
		}
		if _, ok := m.byName[t.To]; !ok {
			return fail("transition %s: unknown target state %q", t.Label(), t.To)
		}
		if from.Terminal {
			return fail("transition %s: terminal state %q has outgoing transitions", t.Label(), t.From)
		}
		if t.Handler == nil {
			return fail("transition %s: handler is required", t.Label())
		}
		if t.MaxAttempts < 0 || t.Delay < 0 {
			return fail("transition %s: negative retry policy", t.Label())
		}
		m.outgoing[t.From] = append(m.outgoing[t.From], t)
	}

	if def.ErrorState != "" {
		s, ok := m.byName[def.ErrorState]
		if !ok {
			return fail("unknown error state %q", def.ErrorState)
		}
		if !s.Terminal {
			return fail("error state %q must be terminal", def.ErrorState)
		}
	}
	return m, nil
}

// MustNew is New for package-level machine declarations.
func MustNew(def Definition) *Machine {
	m, err := New(def)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Machine) Name() string       { return m.name }
func (m *Machine) Initial() string    { return m.initial }
func (m *Machine) ErrorState() string { return m.errorState }

// States returns the declared states in declaration order.
func (m *Machine) States() []State {
	out := make([]State, len(m.states))
	copy(out, m.states)
	return out
}

// HasState reports whether name is declared.
func (m *Machine) HasState(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// IsTerminal reports whether name is a terminal state. Unknown states are not terminal.
func (m *Machine) IsTerminal(name string) bool {
	return m.byName[name].Terminal
}

// Candidates returns the transitions out of state in declaration order.
func (m *Machine) Candidates(state string) []Transition {
	return m.outgoing[state]
}

// IsTarget reports whether to is a declared target of from.
func (m *Machine) IsTarget(from, to string) bool {
	for _, t := range m.outgoing[from] {
		if t.To == to {
			return true
		}
	}
	return false
}

// TryInterval returns the attempt spacing for state.
func (m *Machine) TryInterval(state string) time.Duration {
	if s, ok := m.byName[state]; ok && s.TryInterval > 0 {
		return s.TryInterval
	}
	return m.tryInterval
}

// Due reports whether e is in an active state that was not attempted within its try
// interval at now. It matches what Cutoffs selects in the store.
func (m *Machine) Due(e models.Entity, now time.Time) bool {
	if !m.HasState(e.State) || m.IsTerminal(e.State) {
		return false
	}
	return e.StateAttemptedAt == nil || !e.StateAttemptedAt.After(now.Add(-m.TryInterval(e.State)))
}

// Cutoffs maps each non-terminal state to the latest attempt time still due at now.
func (m *Machine) Cutoffs(now time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m.states))
	for _, s := range m.states {
		if s.Terminal {
			continue
		}
		out[s.Name] = now.Add(-m.TryInterval(s.Name))
	}
	return out
}

// DefinitionError reports an invalid machine definition.
type DefinitionError struct {
	Machine string
	Reason  string
}

func (e *DefinitionError) Error() string {
	if e.Machine == "" {
		return "invalid state machine: " + e.Reason
	}
	return fmt.Sprintf("invalid state machine %q: %s", e.Machine, e.Reason)
}
