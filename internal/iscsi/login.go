package iscsi

import (
	"errors"
	"fmt"

	"github.com/OznOg/exanodes-lum/internal/wire"
)

var (
	// ErrMissingInitiatorName is returned when FullFeature is reached
	// without an InitiatorName having been declared.
	ErrMissingInitiatorName = errors.New("iscsi: InitiatorName not set")
	// ErrWrongTargetName is returned when a Normal session's TargetName does
	// not match the configured target IQN.
	ErrWrongTargetName = errors.New("iscsi: TargetName mismatch")
)

// Negotiator drives login/text parameter negotiation for one session: a
// live copy of the parameter table plus the two declarative identity keys
// (InitiatorName, TargetName) that aren't part of the category table since
// they are matched exactly rather than negotiated.
type Negotiator struct {
	params        map[string]*Param
	initiatorName string
	targetName    string
	sessionType   string
	targetIQN     string
}

// NewNegotiator builds a Negotiator seeded with the default parameter
// table; targetIQN is this target's own IQN, used to validate TargetName
// on a Normal session.
func NewNegotiator(targetIQN string, bufferSize int) *Negotiator {
	return &Negotiator{params: DefaultParams(bufferSize), targetIQN: targetIQN}
}

// ParseTextKeys splits a NUL-terminated key=value text buffer, the wire
// format carried by LOGIN and TEXT PDU data segments.
func ParseTextKeys(buf []byte) map[string]string {
	out := make(map[string]string)
	start := 0
	for i := 0; i <= len(buf); i++ {
		if i == len(buf) || buf[i] == 0 {
			if i > start {
				item := string(buf[start:i])
				for j := 0; j < len(item); j++ {
					if item[j] == '=' {
						out[item[:j]] = item[j+1:]
						break
					}
				}
			}
			start = i + 1
		}
	}
	return out
}

// Negotiate matches each offered key against its declared category (or the
// InitiatorName/TargetName identity keys) and returns the response set to
// encode back into the LOGIN/TEXT response's data segment.
func (n *Negotiator) Negotiate(offer map[string]string) map[string]string {
	resp := make(map[string]string)
	for key, val := range offer {
		switch key {
		case "InitiatorName":
			n.initiatorName = val
		case "TargetName":
			n.targetName = val
		case "SessionType":
			// Declared by the initiator, not negotiated: the target just
			// records it, rejecting anything but the two defined values.
			if val == "Normal" || val == "Discovery" {
				n.sessionType = val
			}
		default:
			p, ok := n.params[key]
			if !ok {
				continue
			}
			result := p.Negotiate(val)
			p.Value = result
			resp[key] = result
		}
	}
	return resp
}

// Param returns the negotiated value of name, or "" if never negotiated.
func (n *Negotiator) Param(name string) string {
	p, ok := n.params[name]
	if !ok {
		return ""
	}
	return p.Value
}

// CompleteFullFeature enforces the checks required when the last login PDU
// carries Transit+NSG=FullFeature: InitiatorName must be non-empty,
// and for a Normal session TargetName must equal the configured target IQN.
func (n *Negotiator) CompleteFullFeature() error {
	if n.initiatorName == "" {
		return ErrMissingInitiatorName
	}
	if n.sessionType == "" || n.sessionType == "Normal" {
		if n.targetName != n.targetIQN {
			return fmt.Errorf("%w: got %q want %q", ErrWrongTargetName, n.targetName, n.targetIQN)
		}
	}
	return nil
}

// InitiatorIQN parses the negotiated InitiatorName into a wire.IQN.
func (n *Negotiator) InitiatorIQN() (wire.IQN, error) {
	return wire.FromString(n.initiatorName)
}

// IsDiscovery reports whether this session negotiated SessionType=Discovery.
func (n *Negotiator) IsDiscovery() bool { return n.sessionType == "Discovery" }
