package pipeline

import (
	"testing"

	"github.com/vbmedia/packline/internal/model"
)

func effectNames(effects []Effect) []string {
	names := make([]string, 0, len(effects))
	for _, e := range effects {
		switch e.(type) {
		case SetStatus:
			names = append(names, "status")
		case SetThumbnail:
			names = append(names, "thumbnail")
		case RecordEvent:
			names = append(names, "event")
		case Enqueue:
			names = append(names, "enqueue")
		case Notify:
			names = append(names, "notify")
		}
	}
	return names
}

func assertEffects(t *testing.T, got []Effect, want ...string) {
	t.Helper()
	names := effectNames(got)
	if len(names) != len(want) {
		t.Fatalf("effects = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("effects = %v, want %v", names, want)
		}
	}
}

func TestPlanPendingApproves(t *testing.T) {
	effects := Plan(Snapshot{
		Status:         model.StatusPending,
		Previous:       model.StatusPending,
		CampaignActive: true,
		HasThumbnail:   true,
	})
	assertEffects(t, effects, "status")
	if effects[0].(SetStatus).Status != model.StatusApproved {
		t.Errorf("status = %s, want approved", effects[0].(SetStatus).Status)
	}
}

func TestPlanPendingPicksThumbnail(t *testing.T) {
	effects := Plan(Snapshot{
		Status:          model.StatusPending,
		Previous:        model.StatusPending,
		CampaignActive:  true,
		EligibleImageID: 7,
	})
	assertEffects(t, effects, "thumbnail", "status")
	if effects[0].(SetThumbnail).ImageID != 7 {
		t.Errorf("thumbnail image = %d, want 7", effects[0].(SetThumbnail).ImageID)
	}
}

func TestPlanPendingWithoutUsableImage(t *testing.T) {
	effects := Plan(Snapshot{
		Status:         model.StatusPending,
		Previous:       model.StatusPending,
		CampaignActive: true,
	})
	assertEffects(t, effects, "event", "status")

	event := effects[0].(RecordEvent)
	if event.Type != model.EventError {
		t.Errorf("event type = %s, want error", event.Type)
	}
	if event.Message != autoApprovalFailedMessage {
		t.Errorf("event message = %q", event.Message)
	}
	if effects[1].(SetStatus).Status != model.StatusErroneus {
		t.Errorf("status = %s, want erroneus", effects[1].(SetStatus).Status)
	}
}

func TestPlanInactiveCampaignVoids(t *testing.T) {
	for _, status := range []model.Status{model.StatusPending, model.StatusApproved} {
		effects := Plan(Snapshot{
			Status:         status,
			Previous:       status,
			CampaignActive: false,
			HasThumbnail:   true,
		})
		assertEffects(t, effects, "status")
		if effects[0].(SetStatus).Status != model.StatusVoid {
			t.Errorf("%s: status = %s, want void", status, effects[0].(SetStatus).Status)
		}
	}
}

func TestPlanApprovedBecomesReady(t *testing.T) {
	effects := Plan(Snapshot{
		Status:         model.StatusApproved,
		Previous:       model.StatusApproved,
		CampaignActive: true,
	})
	assertEffects(t, effects, "status")
	if effects[0].(SetStatus).Status != model.StatusReady {
		t.Errorf("status = %s, want ready", effects[0].(SetStatus).Status)
	}
}

func TestPlanReadyStartsProduction(t *testing.T) {
	effects := Plan(Snapshot{
		Status:         model.StatusReady,
		Previous:       model.StatusReady,
		CampaignActive: true,
	})
	assertEffects(t, effects, "status", "enqueue")
	if effects[0].(SetStatus).Status != model.StatusStarting {
		t.Errorf("status = %s, want starting", effects[0].(SetStatus).Status)
	}
	if effects[1].(Enqueue).Task != TaskProduction {
		t.Errorf("task = %s, want production", effects[1].(Enqueue).Task)
	}
}

func TestPlanSendingSchedulesDelivery(t *testing.T) {
	effects := Plan(Snapshot{
		Status:   model.StatusSending,
		Previous: model.StatusProduced,
	})
	assertEffects(t, effects, "enqueue")

	enq := effects[0].(Enqueue)
	if enq.Task != TaskDeliver {
		t.Errorf("task = %s, want deliver", enq.Task)
	}
	if enq.Delay != deliverSettleDelay {
		t.Errorf("delay = %s, want %s", enq.Delay, deliverSettleDelay)
	}
}

func TestPlanSendingDoesNotRedeliver(t *testing.T) {
	effects := Plan(Snapshot{
		Status:   model.StatusSending,
		Previous: model.StatusSending,
	})
	assertEffects(t, effects)
}

func TestPlanNotificationFiresOncePerPackage(t *testing.T) {
	base := Snapshot{
		Status:                 model.StatusPending,
		Previous:               model.StatusPreparation,
		CampaignActive:         true,
		HasThumbnail:           true,
		NotificationConfigured: true,
	}

	assertEffects(t, Plan(base), "notify", "status")

	sent := base
	sent.NotificationSent = true
	assertEffects(t, Plan(sent), "status")

	later := base
	later.Previous = model.StatusPending
	assertEffects(t, Plan(later), "status")

	unconfigured := base
	unconfigured.NotificationConfigured = false
	assertEffects(t, Plan(unconfigured), "status")
}

func TestPlanNotificationOnManualReview(t *testing.T) {
	// A package entering ready directly still triggers the notice, even
	// though ready itself plans further effects.
	effects := Plan(Snapshot{
		Status:                 model.StatusReady,
		Previous:               model.StatusPreparation,
		CampaignActive:         true,
		HasThumbnail:           true,
		NotificationConfigured: true,
	})
	assertEffects(t, effects, "notify", "status", "enqueue")
}

func TestPlanQuiescentStatuses(t *testing.T) {
	for _, status := range []model.Status{
		model.StatusPreparation,
		model.StatusStarting,
		model.StatusProduction,
		model.StatusStorage,
		model.StatusProduced,
		model.StatusSent,
		model.StatusVoid,
		model.StatusDuplicate,
		model.StatusSuppressed,
		model.StatusBounced,
		model.StatusErroneus,
	} {
		if effects := Plan(Snapshot{Status: status, Previous: status, CampaignActive: true, HasThumbnail: true}); len(effects) != 0 {
			t.Errorf("%s: planned %v, want nothing", status, effectNames(effects))
		}
	}
}
