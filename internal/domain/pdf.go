package domain

import (
	"time"

	id "subsidy/pkg/domain"
)

// PDFRecord is an immutable history row written on every signing.
type PDFRecord struct {
	ProcessID   id.ProcessID `json:"process_id"`
	Version     int          `json:"version"`
	ArtifactRef string       `json:"artifact_ref"`
	Hash        string       `json:"hash"`
	Seal        string       `json:"seal,omitempty"`
	GeneratedBy id.UserID    `json:"generated_by"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// User is what the identity directory knows about an actor.
type User struct {
	ID     id.UserID `json:"id"`
	Name   string    `json:"name"`
	Role   Role      `json:"role"`
	Active bool      `json:"active"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   id.UserID
	Role Role
}

// IsCitizen reports whether the actor is a beneficiary or landlord.
func (a Actor) IsCitizen() bool {
	return a.Role == RoleBeneficiary || a.Role == RoleLandlord
}

func (a Actor) AsUser() User {
	return User{ID: a.ID, Role: a.Role, Active: true}
}
