package entity

import "strings"

// Kind is the closed set of entity kinds the mirror understands.
// It selects both the attribute projection and the legal commands.
type Kind string

// Supported entity kinds.
const (
	KindLight        Kind = "light"
	KindSwitch       Kind = "switch"
	KindCover        Kind = "cover"
	KindMediaPlayer  Kind = "media_player"
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindLock         Kind = "lock"
	KindCamera       Kind = "camera"
	KindFan          Kind = "fan"
	KindAlarmPanel   Kind = "alarm_panel"
	KindClimate      Kind = "climate"
)

// AllKinds lists every supported kind in a stable order.
var AllKinds = []Kind{
	KindLight,
	KindSwitch,
	KindCover,
	KindMediaPlayer,
	KindSensor,
	KindBinarySensor,
	KindLock,
	KindCamera,
	KindFan,
	KindAlarmPanel,
	KindClimate,
}

// remoteDomains maps kinds whose remote domain differs from the kind name.
var remoteDomains = map[Kind]string{
	KindAlarmPanel: "alarm_control_panel",
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Domain returns the remote service domain for the kind.
func (k Kind) Domain() string {
	if d, ok := remoteDomains[k]; ok {
		return d
	}
	return string(k)
}

// ParseKind converts a catalogue kind string, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

// KindFromDomain resolves a remote domain (the part of an entity id before
// the first dot) to a Kind.
func KindFromDomain(domain string) (Kind, bool) {
	for k, d := range remoteDomains {
		if d == domain {
			return k, true
		}
	}
	k := Kind(domain)
	return k, k.Valid()
}

// SplitID splits "light.kitchen" into ("light", "kitchen").
// ok is false when either half is empty or the separator is missing.
func SplitID(id string) (domain, object string, ok bool) {
	domain, object, found := strings.Cut(id, ".")
	if !found || domain == "" || object == "" {
		return "", "", false
	}
	return domain, object, true
}
