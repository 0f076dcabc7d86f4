package frames

import (
	"strings"
	"sync/atomic"
)

type ParticipantKind int

const (
	KindUnknown ParticipantKind = iota
	KindStandard
	KindTelephony
	KindAgent
)

func (k ParticipantKind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindTelephony:
		return "telephony"
	case KindAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ParseParticipantKind maps transport-specific kind labels. Unrecognised
// labels yield KindUnknown.
func ParseParticipantKind(v string) ParticipantKind {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "standard", "web", "browser":
		return KindStandard
	case "telephony", "sip", "pstn", "phone":
		return KindTelephony
	case "agent":
		return KindAgent
	default:
		return KindUnknown
	}
}

type Presence int32

const (
	PresenceJoined Presence = iota
	PresenceActive
	PresenceAway
	PresenceLeft
)

func (p Presence) String() string {
	switch p {
	case PresenceJoined:
		return "joined"
	case PresenceActive:
		return "active"
	case PresenceAway:
		return "away"
	case PresenceLeft:
		return "left"
	default:
		return "unknown"
	}
}

type Participant struct {
	Identity   string
	Kind       ParticipantKind
	Attributes map[string]string

	presence *atomic.Int32
}

func NewParticipant(identity string, kind ParticipantKind, attrs map[string]string) Participant {
	p := Participant{
		Identity:   identity,
		Kind:       kind,
		Attributes: cloneAttrs(attrs),
		presence:   &atomic.Int32{},
	}
	return p
}

func (p Participant) Presence() Presence {
	if p.presence == nil {
		return PresenceJoined
	}
	return Presence(p.presence.Load())
}

// SetPresence updates the only mutable attribute of a participant. Copies
// of the value share the same presence cell.
func (p Participant) SetPresence(v Presence) {
	if p.presence == nil {
		return
	}
	p.presence.Store(int32(v))
}

func (p Participant) Attr(key string) string {
	if p.Attributes == nil {
		return ""
	}
	return p.Attributes[key]
}

func cloneAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
