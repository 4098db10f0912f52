package fleet

// State is a runner instance's lifecycle state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateOnline       State = "online"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateDraining     State = "draining"
	StateUnhealthy    State = "unhealthy"
	StateTerminated   State = "terminated"
)

var transitions = map[State][]State{
	StateProvisioning: {StateOnline, StateDraining, StateTerminated},
	StateOnline:       {StateIdle, StateBusy, StateUnhealthy, StateDraining},
	StateIdle:         {StateBusy, StateUnhealthy, StateDraining},
	StateBusy:         {StateIdle, StateUnhealthy, StateDraining},
	StateUnhealthy:    {StateDraining, StateTerminated},
	StateDraining:     {StateTerminated},
	StateTerminated:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the state counts toward pool utilization. Draining
// and terminated instances are already on their way out.
func (s State) Active() bool {
	switch s {
	case StateProvisioning, StateOnline, StateIdle, StateBusy:
		return true
	}
	return false
}

// Reapable reports whether the scaling engine may consider the state for
// scale-down. Busy, provisioning and draining instances are never reaped.
func (s State) Reapable() bool {
	return s == StateIdle
}
