package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
)

type ModelSuite struct {
	suite.Suite
	now time.Time
}

func TestModelSuite(t *testing.T) {
	suite.Run(t, new(ModelSuite))
}

func (s *ModelSuite) SetupTest() {
	s.now = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
}

func (s *ModelSuite) TestNewProcess() {
	s.Run("starts in draft with version 1", func() {
		p, err := NewProcess(id.NewProcessID(), FormatCode(2024, 1), id.NewUserID(), nil, s.now)
		s.Require().NoError(err)
		s.Equal("SUB-2024-000001", p.Code)
		s.Equal(StateDraft, p.State)
		s.Equal(int64(1), p.Version)
		s.False(p.Signed)
		s.Nil(p.Form)
	})

	s.Run("rejects malformed code", func() {
		_, err := NewProcess(id.NewProcessID(), "SUB-24-1", id.NewUserID(), nil, s.now)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("rejects missing beneficiary", func() {
		_, err := NewProcess(id.NewProcessID(), FormatCode(2024, 2), id.UserID{}, nil, s.now)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func (s *ModelSuite) TestMoveToKeepsSignedFlagConsistent() {
	p, err := NewProcess(id.NewProcessID(), FormatCode(2024, 3), id.NewUserID(), nil, s.now)
	s.Require().NoError(err)

	for _, st := range AllStates {
		p.MoveTo(st, s.now)
		s.Equal(st == StateSigned || st == StateClosed, p.Signed, st)
	}
}

func (s *ModelSuite) TestCloneIsDeep() {
	landlord := id.NewUserID()
	p, err := NewProcess(id.NewProcessID(), FormatCode(2024, 4), id.NewUserID(), &landlord, s.now)
	s.Require().NoError(err)
	p.ReplaceForm(FormPayload{"address": map[string]any{"city": "Bogota"}}, s.now)

	c := p.Clone()
	c.Form["address"].(map[string]any)["city"] = "Cali"
	*c.LandlordID = id.NewUserID()

	s.Equal("Bogota", p.Form["address"].(map[string]any)["city"])
	s.Equal(landlord, *p.LandlordID)
}

func TestDocumentReject(t *testing.T) {
	doc := &Document{Validation: ValidationPending}
	err := doc.Reject(id.NewUserID(), "  ", time.Now())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	assert.Equal(t, ValidationPending, doc.Validation)

	require.NoError(t, doc.Reject(id.NewUserID(), "Illegible scan", time.Now()))
	assert.Equal(t, ValidationRejected, doc.Validation)
	assert.Equal(t, "Illegible scan", doc.RejectionReason)
	assert.NotNil(t, doc.ValidatedAt)
}

func TestNewDecisionRequiresRationaleOnRejection(t *testing.T) {
	_, err := NewDecision(id.NewProcessID(), StateDirectorReview, StateRejected, false, "",
		id.NewUserID(), RoleDirector, provenance.Provenance{}, time.Now())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	d, err := NewDecision(id.NewProcessID(), StateDirectorReview, StateDisburserReview, true, "",
		id.NewUserID(), RoleDirector, provenance.Provenance{}, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestExtensionMatches(t *testing.T) {
	cases := []struct {
		file, mime string
		want       bool
	}{
		{"cedula.pdf", MimePDF, true},
		{"CEDULA.PDF", MimePDF, true},
		{"photo.jpeg", MimeJPEG, true},
		{"photo.jpg", MimeJPEG, true},
		{"photo.png", MimeJPEG, false},
		{"scan.png", MimePNG, true},
		{"contract.docx", "application/msword", false},
		{"noext", MimePDF, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtensionMatches(tc.file, tc.mime), tc.file)
	}
}

func TestParseCode(t *testing.T) {
	year, seq, ok := ParseCode(FormatCode(2024, 117))
	require.True(t, ok)
	assert.Equal(t, 2024, year)
	assert.Equal(t, int64(117), seq)

	for _, bad := range []string{"", "SUB-2024-17", "SUB-24-000117", "sub-2024-000117", "SUB-2024-000117x"} {
		_, _, ok := ParseCode(bad)
		assert.False(t, ok, bad)
	}
}

func TestAuditEventRedacted(t *testing.T) {
	actor := id.NewUserID()
	ev := AuditEvent{
		Kind:       EventApproval,
		ActorID:    &actor,
		ActorRole:  RoleDirector,
		Detail:     map[string]any{DetailActorID: actor.String(), "to_state": "DISBURSER_REVIEW"},
		Provenance: provenance.Provenance{ClientIP: "10.0.0.1"},
	}

	r := ev.Redacted()
	assert.Nil(t, r.ActorID)
	assert.Equal(t, RoleDirector, r.ActorRole)
	assert.Empty(t, r.Provenance.ClientIP)
	assert.NotContains(t, r.Detail, DetailActorID)
	assert.Contains(t, ev.Detail, DetailActorID, "original detail must not be mutated")
}
