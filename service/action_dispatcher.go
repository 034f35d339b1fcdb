package service

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"kvmcontrol/kvm"
	"kvmcontrol/models"
)

const actionTimeout = 20 * time.Second

// ActionDispatcher runs one-shot appliance operations serially against
// the active session: ATX power clicks, mass-storage operations, EDID
// updates, text paste. Serialization matters because the appliance
// rejects overlapping MSD and EDID operations.
type ActionDispatcher struct {
	session     *SessionService
	actionQueue chan *models.Action
}

func NewActionDispatcher(session *SessionService) *ActionDispatcher {
	d := &ActionDispatcher{
		session:     session,
		actionQueue: make(chan *models.Action, 100),
	}
	go d.processActionQueue()
	return d
}

// Dispatch enqueues one action. The returned action carries the id the
// caller can poll.
func (d *ActionDispatcher) Dispatch(data models.ActionData) (*models.Action, error) {
	switch data.Type {
	case "atx_click", "msd_connect", "msd_select", "edid_set", "paste_text":
	default:
		return nil, &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "unknown action type: " + data.Type}
	}

	action := &models.Action{
		ID:        uuid.NewString(),
		Type:      data.Type,
		Params:    data.Params,
		Timestamp: time.Now().Unix(),
		Status:    "pending",
	}

	select {
	case d.actionQueue <- action:
		return action, nil
	default:
		return nil, &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "action queue full"}
	}
}

func (d *ActionDispatcher) processActionQueue() {
	for action := range d.actionQueue {
		action.Status = "executing"

		if err := d.executeAction(action); err != nil {
			action.Status = "failed"
			action.Result = err.Error()
			log.Printf("❌ Action %s failed: %v", action.Type, err)
		} else {
			action.Status = "done"
			action.Result = "success"
			log.Printf("✅ Action %s done", action.Type)
		}
	}
}

func (d *ActionDispatcher) executeAction(action *models.Action) error {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	client := d.session.Client()
	if client == nil && action.Type != "paste_text" {
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "no active session"}
	}

	switch action.Type {
	case "atx_click":
		button, _ := action.Params["button"].(string)
		return client.ATXClick(ctx, button)

	case "msd_connect":
		connected, _ := action.Params["connected"].(bool)
		return client.SetMSDConnected(ctx, connected)

	case "msd_select":
		image, _ := action.Params["image"].(string)
		if image == "" {
			return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "msd_select needs an image"}
		}
		cdrom, _ := action.Params["cdrom"].(bool)
		return client.SetMSDParams(ctx, image, cdrom)

	case "edid_set":
		edid, _ := action.Params["edid"].(string)
		if edid == "" {
			return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "edid_set needs a hex blob"}
		}
		return client.SetEDID(ctx, edid)

	case "paste_text":
		text, _ := action.Params["text"].(string)
		return d.session.TypeText(text)

	default:
		return &kvm.Error{Kind: kvm.KindInvalidConfiguration, Message: "unknown action type: " + action.Type}
	}
}
