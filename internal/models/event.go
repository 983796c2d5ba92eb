package models

import "time"

type AlertEventType string

const (
	EventAlertCreated   AlertEventType = "alert.created"
	EventAlertMatched   AlertEventType = "alert.matched"
	EventAlertAccepted  AlertEventType = "alert.accepted"
	EventAlertCompleted AlertEventType = "alert.completed"
	EventAlertCancelled AlertEventType = "alert.cancelled"
)

// AlertEvent is a lifecycle change broadcast to subscribers after the store
// has committed it.
type AlertEvent struct {
	Type               AlertEventType `json:"type"`
	AlertID            string         `json:"alertId"`
	Status             AlertStatus    `json:"status"`
	DriverID           string         `json:"driverId"`
	MechanicID         string         `json:"mechanicId,omitempty"`
	MatchedMechanicIDs []string       `json:"matchedMechanicIds,omitempty"`
	OccurredAt         time.Time      `json:"occurredAt"`
}

// EventFor builds an event from the alert's current state.
func EventFor(t AlertEventType, a *Alert, at time.Time) AlertEvent {
	ev := AlertEvent{
		Type:               t,
		AlertID:            a.ID.Hex(),
		Status:             a.Status,
		DriverID:           a.DriverID,
		MatchedMechanicIDs: a.MatchedMechanicIDs,
		OccurredAt:         at,
	}
	if a.MechanicID != nil {
		ev.MechanicID = *a.MechanicID
	}
	return ev
}
