// Package pipeline drives packages through production and delivery: an
// explicit state machine for the intake-side transitions, plus the task
// handlers that do the rendering, storage, publishing and sending work.
package pipeline

import (
	"time"

	"github.com/vbmedia/packline/internal/model"
)

// Snapshot is the package state Plan decides on. It is assembled by the
// driver from one store read; Plan itself touches nothing.
type Snapshot struct {
	Status   model.Status
	Previous model.Status

	CampaignActive bool

	HasThumbnail bool
	// EligibleImageID is the first non-skipped customer photo, 0 when the
	// package has none.
	EligibleImageID uint64

	NotificationConfigured bool
	NotificationSent       bool
}

// Effect is one side effect Plan wants executed. Effects are data; the
// driver applies them in order.
type Effect interface {
	effect()
}

// SetStatus moves the package to a new status.
type SetStatus struct {
	Status model.Status
}

// SetThumbnail marks the image as the package thumbnail.
type SetThumbnail struct {
	ImageID uint64
}

// RecordEvent appends a history event.
type RecordEvent struct {
	Type    model.EventType
	Message string
}

// Enqueue schedules a pipeline task.
type Enqueue struct {
	Task  string
	Delay time.Duration
}

// Notify sends the one-time package-created notification email.
type Notify struct{}

func (SetStatus) effect()    {}
func (SetThumbnail) effect() {}
func (RecordEvent) effect()  {}
func (Enqueue) effect()      {}
func (Notify) effect()       {}

const autoApprovalFailedMessage = "Auto approval failed: this package lacks an image suitable for thumbnail"

// Plan returns the effects due for the snapshot. It is pure: the driver
// applies the effects, rebuilds the snapshot and calls Plan again until no
// effects remain.
func Plan(s Snapshot) []Effect {
	var effects []Effect

	// The one-time review notification fires on the first transition out of
	// preparation, before the package advances further.
	if s.Previous == model.StatusPreparation &&
		(s.Status == model.StatusPending || s.Status == model.StatusReady) &&
		s.NotificationConfigured && !s.NotificationSent {
		effects = append(effects, Notify{})
	}

	switch s.Status {
	case model.StatusPending:
		if !s.CampaignActive {
			effects = append(effects, SetStatus{Status: model.StatusVoid})
			break
		}
		if !s.HasThumbnail {
			if s.EligibleImageID == 0 {
				effects = append(effects,
					RecordEvent{Type: model.EventError, Message: autoApprovalFailedMessage},
					SetStatus{Status: model.StatusErroneus},
				)
				break
			}
			effects = append(effects, SetThumbnail{ImageID: s.EligibleImageID})
		}
		effects = append(effects, SetStatus{Status: model.StatusApproved})

	case model.StatusApproved:
		if !s.CampaignActive {
			effects = append(effects, SetStatus{Status: model.StatusVoid})
			break
		}
		effects = append(effects, SetStatus{Status: model.StatusReady})

	case model.StatusReady:
		// Duplicates restart production too; they are only parked in the
		// duplicate status by an operator.
		effects = append(effects,
			SetStatus{Status: model.StatusStarting},
			Enqueue{Task: TaskProduction},
		)

	case model.StatusSending:
		if s.Previous != model.StatusSending {
			effects = append(effects, Enqueue{Task: TaskDeliver, Delay: deliverSettleDelay})
		}
	}

	return effects
}
