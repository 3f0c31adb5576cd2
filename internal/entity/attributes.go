package entity

import (
	"bytes"
	"encoding/json"
	"math"
)

// Attributes is the typed, kind-projected attribute set of an entity.
// Every field is optional; a nil field means "not reported".
type Attributes struct {
	// light
	Brightness      *int    `json:"brightness,omitempty"`
	RGBColor        *[3]int `json:"rgb_color,omitempty"`
	ColorTempKelvin *int    `json:"color_temp_kelvin,omitempty"`

	// cover
	Position *int `json:"current_position,omitempty"`

	// media_player
	VolumeLevel *float64 `json:"volume_level,omitempty"`
	Muted       *bool    `json:"is_volume_muted,omitempty"`
	MediaTitle  *string  `json:"media_title,omitempty"`
	MediaArtist *string  `json:"media_artist,omitempty"`
	Source      *string  `json:"source,omitempty"`

	// fan
	Percentage *int `json:"percentage,omitempty"`

	// sensor, binary_sensor, cover
	Unit        *string `json:"unit_of_measurement,omitempty"`
	DeviceClass *string `json:"device_class,omitempty"`

	// lock, alarm_panel
	CodeFormat *string `json:"code_format,omitempty"`
	ChangedBy  *string `json:"changed_by,omitempty"`

	// camera
	EntityPicture *string `json:"entity_picture,omitempty"`

	// climate
	Temperature        *float64 `json:"temperature,omitempty"`
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	HVACAction         *string  `json:"hvac_action,omitempty"`
}

// Equal compares attribute values, not pointers.
func (a Attributes) Equal(o Attributes) bool {
	return eq(a.Brightness, o.Brightness) &&
		eq(a.RGBColor, o.RGBColor) &&
		eq(a.ColorTempKelvin, o.ColorTempKelvin) &&
		eq(a.Position, o.Position) &&
		eq(a.VolumeLevel, o.VolumeLevel) &&
		eq(a.Muted, o.Muted) &&
		eq(a.MediaTitle, o.MediaTitle) &&
		eq(a.MediaArtist, o.MediaArtist) &&
		eq(a.Source, o.Source) &&
		eq(a.Percentage, o.Percentage) &&
		eq(a.Unit, o.Unit) &&
		eq(a.DeviceClass, o.DeviceClass) &&
		eq(a.CodeFormat, o.CodeFormat) &&
		eq(a.ChangedBy, o.ChangedBy) &&
		eq(a.EntityPicture, o.EntityPicture) &&
		eq(a.Temperature, o.Temperature) &&
		eq(a.CurrentTemperature, o.CurrentTemperature) &&
		eq(a.HVACAction, o.HVACAction)
}

// IsZero reports whether no attribute is set.
func (a Attributes) IsZero() bool {
	return a.Equal(Attributes{})
}

// Merge overlays every non-nil field of o onto a copy of a.
func (a Attributes) Merge(o Attributes) Attributes {
	return Attributes{
		Brightness:         pick(a.Brightness, o.Brightness),
		RGBColor:           pick(a.RGBColor, o.RGBColor),
		ColorTempKelvin:    pick(a.ColorTempKelvin, o.ColorTempKelvin),
		Position:           pick(a.Position, o.Position),
		VolumeLevel:        pick(a.VolumeLevel, o.VolumeLevel),
		Muted:              pick(a.Muted, o.Muted),
		MediaTitle:         pick(a.MediaTitle, o.MediaTitle),
		MediaArtist:        pick(a.MediaArtist, o.MediaArtist),
		Source:             pick(a.Source, o.Source),
		Percentage:         pick(a.Percentage, o.Percentage),
		Unit:               pick(a.Unit, o.Unit),
		DeviceClass:        pick(a.DeviceClass, o.DeviceClass),
		CodeFormat:         pick(a.CodeFormat, o.CodeFormat),
		ChangedBy:          pick(a.ChangedBy, o.ChangedBy),
		EntityPicture:      pick(a.EntityPicture, o.EntityPicture),
		Temperature:        pick(a.Temperature, o.Temperature),
		CurrentTemperature: pick(a.CurrentTemperature, o.CurrentTemperature),
		HVACAction:         pick(a.HVACAction, o.HVACAction),
	}
}

func eq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func pick[T any](base, over *T) *T {
	if over != nil {
		return over
	}
	return base
}

// setter decodes one raw attribute value into its typed field.
type setter func(a *Attributes, raw json.RawMessage) error

var null = []byte("null")

func stringField(field func(*Attributes) **string) setter {
	return func(a *Attributes, raw json.RawMessage) error {
		if bytes.Equal(raw, null) {
			*field(a) = nil
			return nil
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*field(a) = &v
		return nil
	}
}

func floatField(field func(*Attributes) **float64) setter {
	return func(a *Attributes, raw json.RawMessage) error {
		if bytes.Equal(raw, null) {
			*field(a) = nil
			return nil
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*field(a) = &v
		return nil
	}
}

// intField accepts integral JSON numbers written as floats (180.0).
func intField(field func(*Attributes) **int) setter {
	return func(a *Attributes, raw json.RawMessage) error {
		if bytes.Equal(raw, null) {
			*field(a) = nil
			return nil
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		n := int(math.Round(f))
		*field(a) = &n
		return nil
	}
}

func boolField(field func(*Attributes) **bool) setter {
	return func(a *Attributes, raw json.RawMessage) error {
		if bytes.Equal(raw, null) {
			*field(a) = nil
			return nil
		}
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*field(a) = &v
		return nil
	}
}

func rgbField(a *Attributes, raw json.RawMessage) error {
	if bytes.Equal(raw, null) {
		a.RGBColor = nil
		return nil
	}
	var v [3]int
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	a.RGBColor = &v
	return nil
}

// setters is keyed by the remote attribute name.
var setters = map[string]setter{
	"brightness":          intField(func(a *Attributes) **int { return &a.Brightness }),
	"rgb_color":           rgbField,
	"color_temp_kelvin":   intField(func(a *Attributes) **int { return &a.ColorTempKelvin }),
	"current_position":    intField(func(a *Attributes) **int { return &a.Position }),
	"volume_level":        floatField(func(a *Attributes) **float64 { return &a.VolumeLevel }),
	"is_volume_muted":     boolField(func(a *Attributes) **bool { return &a.Muted }),
	"media_title":         stringField(func(a *Attributes) **string { return &a.MediaTitle }),
	"media_artist":        stringField(func(a *Attributes) **string { return &a.MediaArtist }),
	"source":              stringField(func(a *Attributes) **string { return &a.Source }),
	"percentage":          intField(func(a *Attributes) **int { return &a.Percentage }),
	"unit_of_measurement": stringField(func(a *Attributes) **string { return &a.Unit }),
	"device_class":        stringField(func(a *Attributes) **string { return &a.DeviceClass }),
	"code_format":         stringField(func(a *Attributes) **string { return &a.CodeFormat }),
	"changed_by":          stringField(func(a *Attributes) **string { return &a.ChangedBy }),
	"entity_picture":      stringField(func(a *Attributes) **string { return &a.EntityPicture }),
	"temperature":         floatField(func(a *Attributes) **float64 { return &a.Temperature }),
	"current_temperature": floatField(func(a *Attributes) **float64 { return &a.CurrentTemperature }),
	"hvac_action":         stringField(func(a *Attributes) **string { return &a.HVACAction }),
}

// projections is the per-kind attribute allow-list.
var projections = map[Kind][]string{
	KindLight:        {"brightness", "rgb_color", "color_temp_kelvin"},
	KindSwitch:       {},
	KindCover:        {"current_position", "device_class"},
	KindMediaPlayer:  {"volume_level", "is_volume_muted", "media_title", "media_artist", "source"},
	KindSensor:       {"unit_of_measurement", "device_class"},
	KindBinarySensor: {"device_class"},
	KindLock:         {"code_format", "changed_by"},
	KindCamera:       {"entity_picture"},
	KindFan:          {"percentage"},
	KindAlarmPanel:   {"code_format", "changed_by"},
	KindClimate:      {"temperature", "current_temperature", "hvac_action"},
}

// AllowedAttributes returns the remote attribute keys projected for kind.
func AllowedAttributes(kind Kind) []string {
	keys := projections[kind]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// Project builds typed attributes for kind from a raw remote attribute map.
// Keys outside the kind's allow-list are dropped. Values of the wrong JSON
// type are dropped and their keys returned in rejected.
func Project(kind Kind, raw map[string]json.RawMessage) (attrs Attributes, rejected []string) {
	for _, key := range projections[kind] {
		val, ok := raw[key]
		if !ok {
			continue
		}
		if err := setters[key](&attrs, val); err != nil {
			rejected = append(rejected, key)
		}
	}
	return attrs, rejected
}
