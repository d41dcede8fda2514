package packet

import "fmt"

type Action int

const (
	Accept Action = iota + 1
	Block
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

func ParseAction(s string) (Action, error) {
	switch s {
	case "accept", "ACCEPT", "allow", "ALLOW":
		return Accept, nil
	case "block", "BLOCK", "drop", "DROP":
		return Block, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Verdict is the outcome for a single packet observation. Redirect is advisory
// information for the table layer and is only set on accepted packets.
type Verdict struct {
	Action   Action    `json:"action"`
	Redirect *Endpoint `json:"redirect,omitempty"`
}

func (v Verdict) String() string {
	if v.Redirect != nil {
		return fmt.Sprintf("%s (redirect %s)", v.Action, v.Redirect)
	}
	return v.Action.String()
}
