package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
)

var codePattern = regexp.MustCompile(`^SUB-\d{4}-\d{6}$`)

// FormatCode renders the human-facing process code for a per-year sequence number.
func FormatCode(year int, seq int64) string {
	return fmt.Sprintf("%s%06d", CodePrefix(year), seq)
}

// CodePrefix is the part shared by every code issued in year.
func CodePrefix(year int) string {
	return fmt.Sprintf("SUB-%d-", year)
}

// ParseCode splits a code produced by FormatCode back into year and sequence number.
func ParseCode(code string) (year int, seq int64, ok bool) {
	if !codePattern.MatchString(code) {
		return 0, 0, false
	}
	year, _ = strconv.Atoi(code[4:8])
	seq, _ = strconv.ParseInt(code[9:], 10, 64)
	return year, seq, true
}

// FormPayload is the opaque application form. A nil payload means the form was never filled.
type FormPayload map[string]any

// SignedArtifact is set once, at signing.
type SignedArtifact struct {
	Ref        string                `json:"ref"`
	Hash       string                `json:"hash"`
	SignedAt   time.Time             `json:"signed_at"`
	SignedBy   id.UserID             `json:"signed_by"`
	Provenance provenance.Provenance `json:"provenance"`
	Seal       string                `json:"seal,omitempty"`
}

// Process is the aggregate root of one subsidy application.
//
// Invariants:
//   - Code matches SUB-<year>-<6 digits>
//   - Signed is true iff State is SIGNED or CLOSED
//   - PDFVersion only grows, by one per signing
//   - Version grows by one on every persisted change
type Process struct {
	ID            id.ProcessID    `json:"id"`
	Code          string          `json:"code"`
	State         State           `json:"state"`
	BeneficiaryID id.UserID       `json:"beneficiary_id"`
	LandlordID    *id.UserID      `json:"landlord_id,omitempty"`
	Form          FormPayload     `json:"form,omitempty"`
	Signed        bool            `json:"signed"`
	PDFVersion    int             `json:"pdf_version"`
	Artifact      *SignedArtifact `json:"artifact,omitempty"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	ClosedBy      *id.UserID      `json:"closed_by,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewProcess builds a DRAFT process.
func NewProcess(processID id.ProcessID, code string, beneficiary id.UserID, landlord *id.UserID, now time.Time) (*Process, error) {
	if !codePattern.MatchString(code) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "process code must match SUB-<year>-<seq>")
	}
	if beneficiary.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "beneficiary is required")
	}
	if landlord != nil && landlord.IsNil() {
		landlord = nil
	}
	return &Process{
		ID:            processID,
		Code:          code,
		State:         StateDraft,
		BeneficiaryID: beneficiary,
		LandlordID:    landlord,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsOwner reports whether userID is the beneficiary of the process.
func (p *Process) IsOwner(userID id.UserID) bool {
	return p.BeneficiaryID == userID
}

// IsLandlord reports whether userID is the registered landlord.
func (p *Process) IsLandlord(userID id.UserID) bool {
	return p.LandlordID != nil && *p.LandlordID == userID
}

// MoveTo sets the new state and keeps the signed flag consistent with it.
// Callers have already checked the transition against the machine tables.
func (p *Process) MoveTo(to State, now time.Time) {
	p.State = to
	p.Signed = to.IsSigned()
	p.UpdatedAt = now
}

// ReplaceForm swaps the whole payload.
func (p *Process) ReplaceForm(form FormPayload, now time.Time) {
	p.Form = form
	p.UpdatedAt = now
}

// MarkSubmitted records the first submission time only.
func (p *Process) MarkSubmitted(now time.Time) {
	if p.SubmittedAt == nil {
		t := now
		p.SubmittedAt = &t
	}
}

// ApplySignature attaches the artifact and bumps the PDF version.
func (p *Process) ApplySignature(artifact SignedArtifact) {
	p.Artifact = &artifact
	p.PDFVersion++
}

// MarkClosed records who closed the process and when.
func (p *Process) MarkClosed(actor id.UserID, now time.Time) {
	t := now
	a := actor
	p.ClosedAt = &t
	p.ClosedBy = &a
}

// Clone returns a deep copy so in-memory stores never share pointers with callers.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	c := *p
	if p.LandlordID != nil {
		v := *p.LandlordID
		c.LandlordID = &v
	}
	if p.Form != nil {
		c.Form = cloneMap(p.Form)
	}
	if p.Artifact != nil {
		a := *p.Artifact
		c.Artifact = &a
	}
	if p.SubmittedAt != nil {
		v := *p.SubmittedAt
		c.SubmittedAt = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		c.ClosedAt = &v
	}
	if p.ClosedBy != nil {
		v := *p.ClosedBy
		c.ClosedBy = &v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			s := make([]any, len(t))
			copy(s, t)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}
