package domain

import (
	"strings"
	"time"

	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
)

// ValidationStatus is the review outcome of one document version.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "PENDING"
	ValidationApproved ValidationStatus = "APPROVED"
	ValidationRejected ValidationStatus = "REJECTED"
)

// Document is one uploaded version of a catalog type within a process.
//
// Invariants:
//   - Version is strictly increasing per (process, type)
//   - exactly one Active document per (process, type) once any exists
//   - RejectionReason is non-empty iff Validation is REJECTED
type Document struct {
	ID              id.DocumentID    `json:"id"`
	ProcessID       id.ProcessID     `json:"process_id"`
	Type            string           `json:"type"`
	FileName        string           `json:"file_name"`
	StorageRef      string           `json:"-"`
	Hash            string           `json:"hash"`
	SizeBytes       int64            `json:"size_bytes"`
	MimeType        string           `json:"mime_type"`
	Version         int              `json:"version"`
	Active          bool             `json:"active"`
	Validation      ValidationStatus `json:"validation"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	ValidatedBy     *id.UserID       `json:"validated_by,omitempty"`
	ValidatedAt     *time.Time       `json:"validated_at,omitempty"`
	UploadedBy      id.UserID        `json:"uploaded_by"`
	UploadedAt      time.Time        `json:"uploaded_at"`
}

// Approve marks the document approved by validator.
func (d *Document) Approve(validator id.UserID, now time.Time) {
	d.Validation = ValidationApproved
	d.RejectionReason = ""
	d.stamp(validator, now)
}

// Reject marks the document rejected. The reason is kept verbatim.
func (d *Document) Reject(validator id.UserID, reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return dErrors.New(dErrors.CodeValidation, "rejection reason is required")
	}
	d.Validation = ValidationRejected
	d.RejectionReason = reason
	d.stamp(validator, now)
	return nil
}

func (d *Document) stamp(validator id.UserID, now time.Time) {
	v := validator
	t := now
	d.ValidatedBy = &v
	d.ValidatedAt = &t
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.ValidatedBy != nil {
		v := *d.ValidatedBy
		c.ValidatedBy = &v
	}
	if d.ValidatedAt != nil {
		v := *d.ValidatedAt
		c.ValidatedAt = &v
	}
	return &c
}
