package protocol

import (
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

func TestLookupService(t *testing.T) {
	tests := []struct {
		kind   entity.Kind
		action string
		want   string
	}{
		{entity.KindLight, "turn_on", "light.turn_on"},
		{entity.KindSwitch, "toggle", "switch.toggle"},
		{entity.KindCover, "set_position", "cover.set_cover_position"},
		{entity.KindCover, "open", "cover.open_cover"},
		{entity.KindMediaPlayer, "set_volume", "media_player.volume_set"},
		{entity.KindFan, "set_percentage", "fan.set_percentage"},
		{entity.KindLock, "unlock", "lock.unlock"},
		{entity.KindAlarmPanel, "arm_home", "alarm_control_panel.alarm_arm_home"},
		{entity.KindClimate, "set_hvac_mode", "climate.set_hvac_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			svc, err := LookupService(tt.kind, tt.action)
			if err != nil {
				t.Fatalf("LookupService() error = %v", err)
			}
			if svc.String() != tt.want {
				t.Errorf("LookupService(%s, %s) = %s, want %s", tt.kind, tt.action, svc, tt.want)
			}
		})
	}
}

func TestLookupService_Unknown(t *testing.T) {
	for _, tc := range []struct {
		kind   entity.Kind
		action string
	}{
		{entity.KindSensor, "turn_on"},
		{entity.KindCamera, "snapshot"},
		{entity.KindLight, "lock"},
	} {
		if _, err := LookupService(tc.kind, tc.action); !errors.Is(err, ErrUnknownService) {
			t.Errorf("LookupService(%s, %s) err = %v, want ErrUnknownService", tc.kind, tc.action, err)
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	msgs, err := decodeFrame([]byte(`[{"id":1,"type":"result","success":true},{"id":2,"type":"pong"}]`))
	if err != nil {
		t.Fatalf("decodeFrame() error = %v", err)
	}
	if len(msgs) != 2 || msgs[1].Type != TypePong {
		t.Errorf("decodeFrame() = %+v", msgs)
	}

	for _, bad := range []string{"", "   ", "{", "[1,2"} {
		if _, err := decodeFrame([]byte(bad)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("decodeFrame(%q) err = %v, want ErrMalformedMessage", bad, err)
		}
	}
}
