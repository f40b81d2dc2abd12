package consensus

// StateMachine receives committed command entries in log order. It is
// owned by the application; engines never apply no-op entries.
type StateMachine interface {
	Apply(LogEntry) error
}

type StateMachineFunc func(LogEntry) error

func (fn StateMachineFunc) Apply(entry LogEntry) error {
	return fn(entry)
}
