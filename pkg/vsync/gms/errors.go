package gms

import "fmt"

var (
	errSuspicionTimeout  = fmt.Errorf("gms: SuspicionTimeout must be positive")
	errHeartbeatInterval = fmt.Errorf("gms: HeartbeatInterval must be positive")
	errHeartbeatTooSlow  = fmt.Errorf("gms: HeartbeatInterval must be well under SuspicionTimeout")
)

// ErrGroupWedged corresponds to spec §7: a request arrived while the
// group is mid-transition and every engine is wedged.
var ErrGroupWedged = fmt.Errorf("gms: group is wedged for a view transition")

// ErrInadequateView corresponds to spec §7/§4.2's tagged allocator
// result: the candidate view cannot provision every subgroup.
type ErrInadequateView struct {
	Reason string
}

func (e *ErrInadequateView) Error() string {
	return fmt.Sprintf("gms: inadequate view: %s", e.Reason)
}
