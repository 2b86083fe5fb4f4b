package model

// ProvisioningState is where a student's repository is in its lifecycle.
type ProvisioningState string

const (
	StateUnaccepted          ProvisioningState = "unaccepted"
	StateAccepted            ProvisioningState = "accepted"
	StateCreatingRepo        ProvisioningState = "creating_repo"
	StateErroredCreatingRepo ProvisioningState = "errored_creating_repo"
	StateCompleted           ProvisioningState = "completed"
)

// transitions lists every allowed edge of the state machine.
var transitions = map[ProvisioningState][]ProvisioningState{
	StateUnaccepted:          {StateAccepted},
	StateAccepted:            {StateCreatingRepo},
	StateCreatingRepo:        {StateCompleted, StateErroredCreatingRepo},
	StateErroredCreatingRepo: {StateCreatingRepo},
	StateCompleted:           {StateCreatingRepo},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ProvisioningState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s ProvisioningState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s ProvisioningState) String() string { return string(s) }
