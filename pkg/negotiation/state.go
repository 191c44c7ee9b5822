package negotiation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedMessage is a protocol-sequence violation. The session is
	// left exactly as it was.
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrDuplicate reports an envelope already in the session log. Callers
	// treat it as an idempotent acknowledgement.
	ErrDuplicate = errors.New("duplicate envelope")
	// ErrRoundLimit is returned when a party exceeds its TradeDetails rounds.
	ErrRoundLimit = fmt.Errorf("%w: trade details round limit reached", ErrUnexpectedMessage)
)

type Role uint8

const (
	Maker Role = iota
	Taker
)

func (r Role) String() string {
	switch r {
	case Maker:
		return "maker"
	case Taker:
		return "taker"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "maker":
		return Maker, nil
	case "taker":
		return Taker, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

type State uint8

const (
	Initiated State = iota
	AwaitingCounterparty
	Negotiating
	Accepted
	Finalizing
	Completed
	Cancelled
	Rejected
	TimedOut
)

var stateNames = [...]string{
	Initiated:            "initiated",
	AwaitingCounterparty: "awaiting_counterparty",
	Negotiating:          "negotiating",
	Accepted:             "accepted",
	Finalizing:           "finalizing",
	Completed:            "completed",
	Cancelled:            "cancelled",
	Rejected:             "rejected",
	TimedOut:             "timed_out",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func ParseState(str string) (State, error) {
	for i, name := range stateNames {
		if name == str {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", str)
}

func (s State) IsTerminal() bool {
	switch s {
	case Completed, Cancelled, Rejected, TimedOut:
		return true
	}
	return false
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Party says which side of the session authored an envelope.
type Party uint8

const (
	Local Party = iota
	Remote
	// Either matches both parties in a transition table.
	Either
)

func (p Party) String() string {
	switch p {
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return "either"
}

func (p Party) other() Party {
	if p == Local {
		return Remote
	}
	return Local
}
