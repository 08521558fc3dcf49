package reconciler

type State string

const (
	StateSeeding  State = "SEEDING"
	StateActive1  State = "ACTIVE_1"
	StateActive3  State = "ACTIVE_3"
	StateActive9  State = "ACTIVE_9"
	StateActive27 State = "ACTIVE_27"
	StateFlipping State = "FLIPPING"
)

// StateForLots maps a canonical lot count onto the machine state, or empty
// when lots is mid-transition.
func StateForLots(lots int) State {
	switch lots {
	case 0:
		return StateSeeding
	case 1:
		return StateActive1
	case 3:
		return StateActive3
	case 9:
		return StateActive9
	case 27:
		return StateActive27
	default:
		return ""
	}
}

func (s State) Valid() bool {
	switch s {
	case StateSeeding, StateActive1, StateActive3, StateActive9, StateActive27, StateFlipping:
		return true
	default:
		return false
	}
}
