package service

import (
	"testing"
	"time"

	"kvmcontrol/models"
)

func TestDispatchRejectsUnknownType(t *testing.T) {
	session := NewSessionService(NewDeviceManager(nil), &eventRecorder{})
	d := NewActionDispatcher(session)

	if _, err := d.Dispatch(actionData("reboot_flux_capacitor", nil)); err == nil {
		t.Fatal("unknown action type accepted")
	}
}

func TestDispatchFailsWithoutSession(t *testing.T) {
	session := NewSessionService(NewDeviceManager(nil), &eventRecorder{})
	d := NewActionDispatcher(session)

	action, err := d.Dispatch(actionData("atx_click", map[string]interface{}{"button": "power"}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for action.Status != "failed" && action.Status != "done" {
		if time.Now().After(deadline) {
			t.Fatalf("action never finished, status=%s", action.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if action.Status != "failed" {
		t.Fatalf("status = %s, want failed without a session", action.Status)
	}
}

func TestCharToKeyCoversUSLayout(t *testing.T) {
	cases := []struct {
		r     rune
		name  string
		shift bool
		ok    bool
	}{
		{'a', "KeyA", false, true},
		{'Z', "KeyZ", true, true},
		{'7', "Digit7", false, true},
		{'&', "Digit7", true, true},
		{' ', "Space", false, true},
		{'\n', "Enter", false, true},
		{'?', "Slash", true, true},
		{'-', "Minus", false, true},
		{'_', "Minus", true, true},
		{'é', "", false, false},
		{'€', "", false, false},
	}
	for _, tc := range cases {
		name, shift, ok := CharToKey(tc.r)
		if name != tc.name || shift != tc.shift || ok != tc.ok {
			t.Errorf("CharToKey(%q) = (%q,%v,%v), want (%q,%v,%v)",
				tc.r, name, shift, ok, tc.name, tc.shift, tc.ok)
		}
	}
}

func actionData(typ string, params map[string]interface{}) models.ActionData {
	return models.ActionData{Type: typ, Params: params}
}
