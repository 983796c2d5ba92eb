package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AlertStatus string

const (
	StatusActive     AlertStatus = "active"
	StatusInProgress AlertStatus = "in_progress"
	StatusCompleted  AlertStatus = "completed"
	StatusCancelled  AlertStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s AlertStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type CommunicationMode string

const (
	ModeAudio CommunicationMode = "audio"
	ModeVideo CommunicationMode = "video"
)

type Alert struct {
	ID                      primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DriverID                string             `bson:"driver_id" json:"driverId"`
	RegistrationNumber      string             `bson:"registration_number" json:"registrationNumber"`
	CommunicationMode       CommunicationMode  `bson:"communication_mode" json:"communicationMode"`
	BreakdownDetails        string             `bson:"breakdown_details" json:"breakdownDetails"`
	RequiredSpecializations []string           `bson:"required_specializations" json:"requiredSpecializations"`
	MatchedMechanicIDs      []string           `bson:"matched_mechanic_ids" json:"matchedMechanicIds"`
	MechanicID              *string            `bson:"mechanic_id,omitempty" json:"mechanicId"`
	Status                  AlertStatus        `bson:"status" json:"status"`
	CreatedAt               time.Time          `bson:"created_at" json:"createdAt"`
	AcceptedAt              *time.Time         `bson:"accepted_at,omitempty" json:"acceptedAt"`
	CompletedAt             *time.Time         `bson:"completed_at,omitempty" json:"completedAt"`
	CallDuration            *float64           `bson:"call_duration,omitempty" json:"callDuration"`
	Charges                 *decimal.Decimal   `bson:"charges,omitempty" json:"charges"`

	CancelledAt        *time.Time `bson:"cancelled_at,omitempty" json:"cancelledAt,omitempty"`
	CancelledBy        string     `bson:"cancelled_by,omitempty" json:"cancelledBy,omitempty"`
	CancellationReason string     `bson:"cancellation_reason,omitempty" json:"cancellationReason,omitempty"`

	CommunicationRef string     `bson:"communication_ref,omitempty" json:"communicationRef,omitempty"`
	BillRef          string     `bson:"bill_ref,omitempty" json:"billRef,omitempty"`
	BilledAt         *time.Time `bson:"billed_at,omitempty" json:"billedAt,omitempty"`
}

// HasMatched reports whether mechanicID was found eligible when the alert was dispatched.
func (a *Alert) HasMatched(mechanicID string) bool {
	for _, id := range a.MatchedMechanicIDs {
		if id == mechanicID {
			return true
		}
	}
	return false
}

// CheckInvariants verifies the field/status relationships every persisted alert must hold.
func (a *Alert) CheckInvariants() error {
	if !a.Status.Valid() {
		return fmt.Errorf("unknown status %q", a.Status)
	}
	if len(a.RequiredSpecializations) == 0 {
		return fmt.Errorf("required specializations are empty")
	}

	assigned := a.Status == StatusInProgress || a.Status == StatusCompleted
	if (a.MechanicID != nil) != assigned {
		return fmt.Errorf("mechanicId set=%t with status %s", a.MechanicID != nil, a.Status)
	}
	if (a.AcceptedAt != nil) != (a.MechanicID != nil) {
		return fmt.Errorf("acceptedAt set=%t but mechanicId set=%t", a.AcceptedAt != nil, a.MechanicID != nil)
	}

	completed := a.Status == StatusCompleted
	if (a.CompletedAt != nil) != completed || (a.CallDuration != nil) != completed || (a.Charges != nil) != completed {
		return fmt.Errorf("completion fields inconsistent with status %s", a.Status)
	}

	if a.AcceptedAt != nil && a.AcceptedAt.Before(a.CreatedAt) {
		return fmt.Errorf("acceptedAt precedes createdAt")
	}
	if a.CompletedAt != nil && a.AcceptedAt != nil && a.CompletedAt.Before(*a.AcceptedAt) {
		return fmt.Errorf("completedAt precedes acceptedAt")
	}
	return nil
}

// AlertFilter narrows ListAll queries. Zero values are ignored.
type AlertFilter struct {
	Status AlertStatus
	From   *time.Time
	To     *time.Time
}

// DriverSummary is the contact information attached to active alert listings.
type DriverSummary struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email,omitempty"`
}

// EnrichedAlert is an alert decorated with best-effort driver and vehicle details.
type EnrichedAlert struct {
	*Alert
	Driver  *DriverSummary `json:"driver"`
	Vehicle *Vehicle       `json:"vehicle"`
}
