package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleDriver   Role = "driver"
	RoleMechanic Role = "mechanic"
	RoleAdmin    Role = "admin"
)

const ProfileStatusActive = "active"

// ProfileBase holds the fields every role shares.
type ProfileBase struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	Status      string `json:"status,omitempty"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber"`
}

// FullName joins first and last name, skipping blanks.
func (p ProfileBase) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type Vehicle struct {
	RegistrationNumber string `json:"registrationNumber"`
	Brand              string `json:"brand,omitempty"`
	Model              string `json:"model,omitempty"`
	FuelType           string `json:"fuelType,omitempty"`
	Year               int    `json:"year,omitempty"`
}

type DriverProfile struct {
	ProfileBase
	LicenseNumber string    `json:"licenseNumber,omitempty"`
	Vehicles      []Vehicle `json:"vehicles"`
}

// VehicleByRegistration finds the driver's vehicle, ignoring case and spacing.
func (d *DriverProfile) VehicleByRegistration(reg string) *Vehicle {
	want := normalizeRegistration(reg)
	for i := range d.Vehicles {
		if normalizeRegistration(d.Vehicles[i].RegistrationNumber) == want {
			return &d.Vehicles[i]
		}
	}
	return nil
}

type MechanicProfile struct {
	ProfileBase
	Specializations []string `json:"specializations"`
	WorkshopName    string   `json:"workshopName,omitempty"`
	ServiceRadiusKm float64  `json:"serviceRadiusKm,omitempty"`
}

// Profile is a user profile selected by its role discriminator.
// Implemented by *DriverProfile and *MechanicProfile.
type Profile interface {
	Base() ProfileBase
	profile()
}

func (d *DriverProfile) Base() ProfileBase   { return d.ProfileBase }
func (m *MechanicProfile) Base() ProfileBase { return m.ProfileBase }
func (*DriverProfile) profile()              {}
func (*MechanicProfile) profile()            {}

// wireProfile is the document shape served by the user service.
type wireProfile struct {
	ProfileBase
	ID            string `json:"_id,omitempty"`
	DriverDetails *struct {
		LicenseNumber string    `json:"licenseNumber"`
		Vehicles      []Vehicle `json:"vehicles"`
	} `json:"driverDetails,omitempty"`
	MechanicDetails *struct {
		Specializations []string `json:"specializations"`
		WorkshopName    string   `json:"workshopName"`
		ServiceRadius   float64  `json:"serviceRadius"`
	} `json:"mechanicDetails,omitempty"`
}

// DecodeProfile decodes a user-service profile document. The role field
// decides which details object is read; unknown roles are rejected.
func DecodeProfile(data []byte) (Profile, error) {
	var w wireProfile
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if w.UserID == "" {
		w.UserID = w.ID
	}
	w.Role = Role(strings.ToLower(string(w.Role)))

	switch w.Role {
	case RoleDriver:
		p := &DriverProfile{ProfileBase: w.ProfileBase}
		if w.DriverDetails != nil {
			p.LicenseNumber = w.DriverDetails.LicenseNumber
			p.Vehicles = w.DriverDetails.Vehicles
		}
		return p, nil
	case RoleMechanic:
		p := &MechanicProfile{ProfileBase: w.ProfileBase}
		if w.MechanicDetails != nil {
			p.Specializations = w.MechanicDetails.Specializations
			p.WorkshopName = w.MechanicDetails.WorkshopName
			p.ServiceRadiusKm = w.MechanicDetails.ServiceRadius
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode profile %s: unknown role %q", w.UserID, w.Role)
	}
}

// MechanicSnapshot is the matching view of a mechanic. Specializations or
// Status may be missing when the directory listing omits them.
type MechanicSnapshot struct {
	UserID          string   `json:"userId"`
	Specializations []string `json:"specializations,omitempty"`
	Status          string   `json:"status,omitempty"`
}

// Complete reports whether the snapshot carries enough to decide eligibility.
func (m MechanicSnapshot) Complete() bool {
	return m.Specializations != nil && m.Status != ""
}

// SnapshotOf converts a mechanic profile to a matching snapshot.
func SnapshotOf(p *MechanicProfile) MechanicSnapshot {
	specs := p.Specializations
	if specs == nil {
		specs = []string{}
	}
	return MechanicSnapshot{UserID: p.UserID, Specializations: specs, Status: p.Status}
}

func normalizeRegistration(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}
