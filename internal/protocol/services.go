package protocol

import (
	"fmt"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Service is a remote service address.
type Service struct {
	Domain  string
	Service string
}

// String returns "domain.service".
func (s Service) String() string {
	return s.Domain + "." + s.Service
}

// services maps a kind's local action name to the remote service name.
// The domain always comes from entity.Kind.Domain.
var services = map[entity.Kind]map[string]string{
	entity.KindLight: {
		"turn_on":  "turn_on",
		"turn_off": "turn_off",
		"toggle":   "toggle",
	},
	entity.KindSwitch: {
		"turn_on":  "turn_on",
		"turn_off": "turn_off",
		"toggle":   "toggle",
	},
	entity.KindCover: {
		"open":         "open_cover",
		"close":        "close_cover",
		"stop":         "stop_cover",
		"set_position": "set_cover_position",
	},
	entity.KindMediaPlayer: {
		"play":       "media_play",
		"pause":      "media_pause",
		"set_volume": "volume_set",
	},
	entity.KindFan: {
		"turn_on":        "turn_on",
		"turn_off":       "turn_off",
		"set_percentage": "set_percentage",
	},
	entity.KindLock: {
		"lock":   "lock",
		"unlock": "unlock",
	},
	entity.KindAlarmPanel: {
		"arm_home": "alarm_arm_home",
		"arm_away": "alarm_arm_away",
		"disarm":   "alarm_disarm",
	},
	entity.KindClimate: {
		"set_temperature": "set_temperature",
		"set_hvac_mode":   "set_hvac_mode",
	},
}

// LookupService resolves a kind and local action to the remote service.
func LookupService(kind entity.Kind, action string) (Service, error) {
	name, ok := services[kind][action]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s.%s", ErrUnknownService, kind, action)
	}
	return Service{Domain: kind.Domain(), Service: name}, nil
}
