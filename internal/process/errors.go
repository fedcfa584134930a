package process

import (
	"errors"
	"strings"

	"subsidy/internal/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/sentinel"
)

// IncompleteError lists everything that keeps a process from being submitted.
type IncompleteError struct {
	MissingTypes []string
	MissingNames []string
	FormMissing  bool
}

func (e *IncompleteError) Error() string {
	var parts []string
	if len(e.MissingNames) > 0 {
		parts = append(parts, "missing mandatory documents: "+strings.Join(e.MissingNames, ", "))
	}
	if e.FormMissing {
		parts = append(parts, "form has not been filled")
	}
	return strings.Join(parts, "; ")
}

func missingDocuments(mandatory []domain.CatalogEntry, active []*domain.Document, formMissing bool) *IncompleteError {
	present := make(map[string]bool, len(active))
	for _, d := range active {
		present[d.Type] = true
	}
	e := &IncompleteError{FormMissing: formMissing}
	for _, entry := range mandatory {
		if present[entry.Type] {
			continue
		}
		e.MissingTypes = append(e.MissingTypes, entry.Type)
		name := entry.Name
		if name == "" {
			name = entry.Type
		}
		e.MissingNames = append(e.MissingNames, name)
	}
	if len(e.MissingTypes) == 0 && !formMissing {
		return nil
	}
	return e
}

// UnapprovedError lists active documents that block approval of the document stage.
type UnapprovedError struct {
	Types []string
}

func (e *UnapprovedError) Error() string {
	return "documents not approved: " + strings.Join(e.Types, ", ")
}

// translate maps store facts to domain errors. Errors that already carry a code pass through.
func translate(err error, notFound, internal string) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, notFound)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, internal)
}
