package command

import (
	"sort"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// patchFunc derives the optimistic patch from the current view and the
// validated params. cur is never nil.
type patchFunc func(cur *entity.View, params map[string]any) entity.Patch

// Action is one command a kind accepts.
type Action struct {
	Name   string
	Params []Param
	patch  patchFunc
}

var (
	codeParam = Param{Name: "code", Type: paramString}

	hvacModes = []string{"off", "heat", "cool", "heat_cool", "auto", "dry", "fan_only"}
)

// actions is the per-kind action table. Kinds without an entry are
// read-only.
var actions = map[entity.Kind]map[string]Action{
	entity.KindLight: {
		"turn_on": {
			Params: []Param{
				{Name: "brightness", Type: paramInt, Min: 0, Max: 255},
				{Name: "rgb_color", Type: paramRGB},
				{Name: "color_temp_kelvin", Type: paramInt, Min: 1000, Max: 12000},
			},
			patch: func(_ *entity.View, p map[string]any) entity.Patch {
				patch := withState(entity.StateOn)
				if v, ok := p["brightness"].(int); ok {
					patch.Attributes.Brightness = entity.IntPtr(v)
				}
				if v, ok := p["rgb_color"].([3]int); ok {
					patch.Attributes.RGBColor = &v
				}
				if v, ok := p["color_temp_kelvin"].(int); ok {
					patch.Attributes.ColorTempKelvin = entity.IntPtr(v)
				}
				return patch
			},
		},
		"turn_off": {patch: fixedState(entity.StateOff)},
		"toggle":   {patch: toggle},
	},
	entity.KindSwitch: {
		"turn_on":  {patch: fixedState(entity.StateOn)},
		"turn_off": {patch: fixedState(entity.StateOff)},
		"toggle":   {patch: toggle},
	},
	entity.KindCover: {
		"open":  {patch: coverAt(100)},
		"close": {patch: coverAt(0)},
		"stop":  {patch: func(*entity.View, map[string]any) entity.Patch { return entity.Patch{} }},
		"set_position": {
			Params: []Param{{Name: "position", Type: paramInt, Required: true, Min: 0, Max: 100}},
			patch: func(_ *entity.View, p map[string]any) entity.Patch {
				return coverAt(p["position"].(int))(nil, nil)
			},
		},
	},
	entity.KindMediaPlayer: {
		"play":  {patch: fixedState("playing")},
		"pause": {patch: fixedState("paused")},
		"set_volume": {
			Params: []Param{{Name: "volume_level", Type: paramFloat, Required: true, Min: 0, Max: 1}},
			patch: func(_ *entity.View, p map[string]any) entity.Patch {
				return entity.Patch{Attributes: entity.Attributes{VolumeLevel: entity.FloatPtr(p["volume_level"].(float64))}}
			},
		},
	},
	entity.KindFan: {
		"turn_on": {
			Params: []Param{{Name: "percentage", Type: paramInt, Min: 0, Max: 100}},
			patch: func(_ *entity.View, p map[string]any) entity.Patch {
				patch := withState(entity.StateOn)
				if v, ok := p["percentage"].(int); ok {
					patch.Attributes.Percentage = entity.IntPtr(v)
				}
				return patch
			},
		},
		"turn_off": {patch: fixedState(entity.StateOff)},
		"set_percentage": {
			Params: []Param{{Name: "percentage", Type: paramInt, Required: true, Min: 0, Max: 100}},
			patch: func(_ *entity.View, p map[string]any) entity.Patch {
				pct := p["percentage"].(int)
				patch := withState(entity.StateOn)
				if pct == 0 {
					patch = withState(entity.StateOff)
				}
				patch.Attributes.Percentage = entity.IntPtr(pct)
				return patch
			},
		},
	},
	entity.KindLock: {
		"lock":   {Params: []Param{codeParam}, patch: fixedState("locked")},
		"unlock": {Params: []Param{codeParam}, patch: fixedState("unlocked")},
	},
	entity.KindAlarmPanel: {
		"arm_home": {Params: []Param{codeParam}, patch: fixedState("armed_home")},
		"arm_away": {Params: []Param{codeParam}, patch: fixedState("armed_away")},
		"disarm":   {Params: []Param{codeParam}, patch: fixedState("disarmed")},
	},
	entity.KindClimate: {
		"set_temperature": {
			Params: []Param{{Name: "temperature", Type: paramFloat, Required: true, Min: -50, Max: 100}},
			patch: func(_ *entity.View, p map[string]any) entity.Patch {
				return entity.Patch{Attributes: entity.Attributes{Temperature: entity.FloatPtr(p["temperature"].(float64))}}
			},
		},
		"set_hvac_mode": {
			Params: []Param{{Name: "hvac_mode", Type: paramEnum, Required: true, Values: hvacModes}},
			patch: func(_ *entity.View, p map[string]any) entity.Patch {
				return withState(p["hvac_mode"].(string))
			},
		},
	},
}

func init() {
	for _, byName := range actions {
		for name, a := range byName {
			a.Name = name
			byName[name] = a
		}
	}
}

// Lookup returns the action definition for kind and name.
func Lookup(kind entity.Kind, name string) (Action, bool) {
	a, ok := actions[kind][name]
	return a, ok
}

// Actions lists the actions a kind accepts, sorted by name. Read-only
// kinds return nil.
func Actions(kind entity.Kind) []Action {
	byName := actions[kind]
	if len(byName) == 0 {
		return nil
	}
	out := make([]Action, 0, len(byName))
	for _, a := range byName {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func withState(s string) entity.Patch {
	return entity.Patch{State: entity.StrPtr(s)}
}

func fixedState(s string) patchFunc {
	return func(*entity.View, map[string]any) entity.Patch { return withState(s) }
}

func toggle(cur *entity.View, _ map[string]any) entity.Patch {
	if cur.State == entity.StateOn {
		return withState(entity.StateOff)
	}
	return withState(entity.StateOn)
}

// coverAt reports a fully closed cover as "closed" and anything else as
// "open", matching the remote's convention.
func coverAt(position int) patchFunc {
	return func(*entity.View, map[string]any) entity.Patch {
		state := "open"
		if position == 0 {
			state = "closed"
		}
		return entity.Patch{
			State:      entity.StrPtr(state),
			Attributes: entity.Attributes{Position: entity.IntPtr(position)},
		}
	}
}
