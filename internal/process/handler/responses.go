package handler

import (
	"errors"
	"net/http"

	"subsidy/internal/domain"
	"subsidy/internal/process"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/httputil"
)

// ProcessResponse adds the transitions reachable from the current state.
type ProcessResponse struct {
	*domain.Process
	NextStates []domain.State `json:"next_states"`
}

func toProcessResponse(p *domain.Process) ProcessResponse {
	next := process.NextStates(p.State)
	if next == nil {
		next = []domain.State{}
	}
	return ProcessResponse{Process: p, NextStates: next}
}

// ListResponse is a page of processes.
type ListResponse struct {
	Data []ProcessResponse `json:"data"`
	Meta PageMeta          `json:"meta"`
}

type PageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func pageMeta(page, limit, total int) PageMeta {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return PageMeta{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// DecisionResponse is returned by decision and correction calls.
type DecisionResponse struct {
	Process  ProcessResponse  `json:"process"`
	Decision *domain.Decision `json:"decision"`
}

// VerifyResponse reports whether the stored seal still matches the signature.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// conflictResponse extends the error body with what blocks the transition.
type conflictResponse struct {
	httputil.ErrorResponse
	MissingTypes   []string `json:"missing_types,omitempty"`
	FormMissing    bool     `json:"form_missing,omitempty"`
	UnapprovedDocs []string `json:"unapproved_types,omitempty"`
}

// writeError renders domain errors, listing missing or unapproved documents on conflicts.
func writeError(w http.ResponseWriter, err error) {
	var incomplete *process.IncompleteError
	var unapproved *process.UnapprovedError
	switch {
	case errors.As(err, &incomplete):
		httputil.WriteJSON(w, http.StatusConflict, conflictResponse{
			ErrorResponse: httputil.ErrorResponse{Error: string(dErrors.CodeConflict), ErrorDescription: incomplete.Error()},
			MissingTypes:  incomplete.MissingTypes,
			FormMissing:   incomplete.FormMissing,
		})
	case errors.As(err, &unapproved):
		httputil.WriteJSON(w, http.StatusConflict, conflictResponse{
			ErrorResponse:  httputil.ErrorResponse{Error: string(dErrors.CodeConflict), ErrorDescription: unapproved.Error()},
			UnapprovedDocs: unapproved.Types,
		})
	default:
		httputil.WriteError(w, err)
	}
}
