package dispatch

import "fmt"

// State is a step of the per-request state machine:
//
//	Received -> Passthrough
//	Received -> NeedsSigning -> CredentialCheck -> Signing -> Signed
//	CredentialCheck | Signing -> Error
type State int

const (
	Received State = iota
	Passthrough
	NeedsSigning
	CredentialCheck
	Signing
	Signed
	Error
)

var stateNames = map[State]string{
	Received:        "RECEIVED",
	Passthrough:     "PASSTHROUGH",
	NeedsSigning:    "NEEDS_SIGNING",
	CredentialCheck: "CREDENTIAL_CHECK",
	Signing:         "SIGNING",
	Signed:          "SIGNED",
	Error:           "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Passthrough || s == Signed || s == Error
}

var transitions = map[State][]State{
	Received:        {Passthrough, NeedsSigning, Error},
	NeedsSigning:    {CredentialCheck, Error},
	CredentialCheck: {Signing, Error},
	Signing:         {Signed, Error},
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Policy decides what a failure on a protected route produces.
type Policy string

const (
	// FailClosed rejects the request with a generated response.
	FailClosed Policy = "fail-closed"
	// FailOpen forwards the original request unsigned. This reproduces the
	// behaviour of the first deployment of the function.
	FailOpen Policy = "fail-open"
)

// ParsePolicy maps a configuration value to a Policy; empty means FailClosed.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}
