package handler

import (
	"strings"
	"unicode/utf8"

	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
)

const (
	minRationaleLen = 10
	maxRationaleLen = 2000
)

// CreateProcessRequest opens a new application on behalf of a beneficiary.
type CreateProcessRequest struct {
	BeneficiaryID string `json:"beneficiary_id"`
	LandlordID    string `json:"landlord_id,omitempty"`

	beneficiary id.UserID
	landlord    *id.UserID
}

func (r *CreateProcessRequest) Validate() error {
	b, err := id.ParseUserID(strings.TrimSpace(r.BeneficiaryID))
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "beneficiary_id must be a valid id")
	}
	r.beneficiary = b
	if s := strings.TrimSpace(r.LandlordID); s != "" {
		l, err := id.ParseUserID(s)
		if err != nil {
			return dErrors.New(dErrors.CodeValidation, "landlord_id must be a valid id")
		}
		r.landlord = &l
	}
	return nil
}

// UpdateFormRequest replaces the whole form payload.
type UpdateFormRequest struct {
	Form map[string]any `json:"form"`
}

func (r *UpdateFormRequest) Validate() error {
	if r.Form == nil {
		return dErrors.New(dErrors.CodeValidation, "form is required")
	}
	return nil
}

// DecisionRequest carries a reviewer verdict. Every verdict needs a rationale.
// ExpectedState, or an If-Match header, names what the reviewer looked at.
type DecisionRequest struct {
	Approved      *bool  `json:"approved"`
	Rationale     string `json:"rationale"`
	ExpectedState string `json:"expected_state,omitempty"`

	expected domain.State
}

func (r *DecisionRequest) Validate() error {
	if r.Approved == nil {
		return dErrors.New(dErrors.CodeValidation, "approved is required")
	}
	if err := checkRationale(r.Rationale); err != nil {
		return err
	}
	if raw := strings.TrimSpace(r.ExpectedState); raw != "" {
		st, err := domain.ParseState(strings.ToUpper(raw))
		if err != nil {
			return dErrors.New(dErrors.CodeValidation, "unknown expected_state")
		}
		r.expected = st
	}
	return nil
}

// CorrectionRequest sends a process back to the beneficiary.
type CorrectionRequest struct {
	Rationale string `json:"rationale"`
}

func (r *CorrectionRequest) Validate() error {
	return checkRationale(r.Rationale)
}

// checkRationale measures the trimmed text; the caller keeps the text as sent.
func checkRationale(s string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n < minRationaleLen || n > maxRationaleLen {
		return dErrors.New(dErrors.CodeValidation, "rationale must be between 10 and 2000 characters")
	}
	return nil
}

func parseState(raw string) (*domain.State, error) {
	if raw == "" {
		return nil, nil
	}
	st, err := domain.ParseState(strings.ToUpper(raw))
	if err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown state filter")
	}
	return &st, nil
}
