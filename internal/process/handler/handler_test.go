package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"subsidy/internal/adapters/blob"
	"subsidy/internal/adapters/catalog"
	"subsidy/internal/adapters/directory"
	"subsidy/internal/adapters/render"
	"subsidy/internal/document"
	"subsidy/internal/domain"
	"subsidy/internal/process"
	"subsidy/internal/sequence"
	"subsidy/internal/signature"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	"subsidy/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	router  chi.Router
	docs    *document.Service
	catalog *catalog.Catalog

	beneficiary domain.Actor
	landlord    domain.Actor
	validator   domain.Actor
	director    domain.Actor
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	mem := storage.NewMemory()
	blobs, err := blob.NewFS(s.T().TempDir())
	s.Require().NoError(err)
	s.catalog = catalog.Default()

	s.beneficiary = domain.Actor{ID: id.NewUserID(), Role: domain.RoleBeneficiary}
	s.landlord = domain.Actor{ID: id.NewUserID(), Role: domain.RoleLandlord}
	s.validator = domain.Actor{ID: id.NewUserID(), Role: domain.RoleValidator}
	s.director = domain.Actor{ID: id.NewUserID(), Role: domain.RoleDirector}
	dir := directory.NewMemory(
		domain.User{ID: s.beneficiary.ID, Role: domain.RoleBeneficiary, Active: true},
		domain.User{ID: s.landlord.ID, Role: domain.RoleLandlord, Active: true},
	)

	svc := process.New(mem, dir, s.catalog, render.New(blobs), sequence.NewMemory(),
		process.WithSealer(signature.NewSealer("handler-test-key")))
	s.docs = document.New(mem, blobs, s.catalog)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(svc, s.catalog, logger).Register(s.router)
}

func (s *HandlerSuite) do(actor *domain.Actor, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	req := testutil.NewJSONRequest(s.T(), method, path, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if actor != nil {
		req = testutil.WithActor(req, actor.ID, string(actor.Role))
	}
	return testutil.DoRequest(s.router, req)
}

func (s *HandlerSuite) createProcess() ProcessResponse {
	rr := s.do(&s.validator, http.MethodPost, "/processes", map[string]string{
		"beneficiary_id": s.beneficiary.ID.String(),
		"landlord_id":    s.landlord.ID.String(),
	})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	var p ProcessResponse
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func (s *HandlerSuite) uploadMandatory(pid id.ProcessID) []*domain.Document {
	mandatory, err := s.catalog.ListMandatory(context.Background())
	s.Require().NoError(err)
	var out []*domain.Document
	for _, entry := range mandatory {
		d, err := s.docs.Upload(context.Background(), s.beneficiary, document.Upload{
			ProcessID: pid, Type: entry.Type, FileName: "a.pdf", MimeType: domain.MimePDF, Content: []byte("%PDF-1.4"),
		})
		s.Require().NoError(err)
		out = append(out, d)
	}
	return out
}

func (s *HandlerSuite) TestCreate() {
	p := s.createProcess()
	s.Equal(domain.StateDraft, p.State)
	s.Regexp(`^SUB-\d{4}-000001$`, p.Code)
	s.Equal([]domain.State{domain.StateSubmitted}, p.NextStates)

	s.Run("invalid beneficiary id", func() {
		rr := s.do(&s.validator, http.MethodPost, "/processes", map[string]string{"beneficiary_id": "nope"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	})
	s.Run("unknown fields rejected", func() {
		rr := s.do(&s.validator, http.MethodPost, "/processes", map[string]string{"beneficiary": "x"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})
	s.Run("beneficiary cannot create", func() {
		rr := s.do(&s.beneficiary, http.MethodPost, "/processes", map[string]string{"beneficiary_id": s.beneficiary.ID.String()})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
	})
	s.Run("no caller on context", func() {
		rr := s.do(nil, http.MethodPost, "/processes", map[string]string{"beneficiary_id": s.beneficiary.ID.String()})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *HandlerSuite) TestGetAndVisibility() {
	p := s.createProcess()
	path := "/processes/" + p.ID.String()

	testutil.AssertStatusOK(s.T(), s.do(&s.beneficiary, http.MethodGet, path, nil))
	testutil.AssertStatusOK(s.T(), s.do(&s.landlord, http.MethodGet, path, nil))

	// a director never sees drafts
	testutil.AssertStatusAndError(s.T(), s.do(&s.director, http.MethodGet, path, nil), http.StatusForbidden, "forbidden")
	testutil.AssertStatusAndError(s.T(), s.do(&s.validator, http.MethodGet, "/processes/not-a-uuid", nil), http.StatusBadRequest, "bad_request")
	testutil.AssertStatusAndError(s.T(), s.do(&s.validator, http.MethodGet, "/processes/"+id.NewProcessID().String(), nil), http.StatusNotFound, "not_found")
}

func (s *HandlerSuite) TestSubmitIncompleteListsMissing() {
	p := s.createProcess()
	rr := s.do(&s.beneficiary, http.MethodPost, "/processes/"+p.ID.String()+"/submit", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusConflict)

	var body conflictResponse
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
	mandatory, err := s.catalog.ListMandatory(context.Background())
	s.Require().NoError(err)
	s.Len(body.MissingTypes, len(mandatory))
	s.True(body.FormMissing)
	s.Equal("conflict", body.Error)
}

func (s *HandlerSuite) TestDecisionFlow() {
	p := s.createProcess()
	base := "/processes/" + p.ID.String()

	rr := s.do(&s.beneficiary, http.MethodPut, base+"/form", map[string]any{"form": map[string]any{"monthly_rent": 450000}})
	testutil.AssertStatusOK(s.T(), rr)
	docs := s.uploadMandatory(p.ID)
	testutil.AssertStatusOK(s.T(), s.do(&s.beneficiary, http.MethodPost, base+"/submit", nil))
	rr = s.do(&s.validator, http.MethodPost, base+"/start-validation", nil)
	testutil.AssertStatusOK(s.T(), rr)

	s.Run("approval blocked by pending documents", func() {
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{
			"approved": true, "rationale": "every document is in order", "expected_state": "DOCS_IN_VALIDATION",
		})
		testutil.AssertStatus(s.T(), rr, http.StatusConflict)
		var body conflictResponse
		s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
		s.Len(body.UnapprovedDocs, len(docs))
	})

	for _, d := range docs {
		_, err := s.docs.Validate(context.Background(), s.validator, d.ID, true, "")
		s.Require().NoError(err)
	}
	current := s.do(&s.validator, http.MethodGet, base, nil)
	var cur ProcessResponse
	s.Require().NoError(json.Unmarshal(current.Body.Bytes(), &cur))

	s.Run("rejection needs a real rationale", func() {
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": false, "rationale": "short"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	})
	s.Run("approval needs a real rationale", func() {
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": true, "expected_state": "DOCS_IN_VALIDATION"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
		rr = s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": true, "rationale": "   ok   ", "expected_state": "DOCS_IN_VALIDATION"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	})
	s.Run("unknown expected_state", func() {
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": true, "rationale": "every document is in order", "expected_state": "LIMBO"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	})
	s.Run("a decision without a precondition", func() {
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": true, "rationale": "every document is in order"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusPreconditionRequired, "precondition_required")
	})
	s.Run("approved is required", func() {
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"rationale": "long enough rationale"})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	})
	s.Run("malformed If-Match", func() {
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": true, "rationale": "every document is in order"}, "If-Match", "abc")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})
	s.Run("stale If-Match", func() {
		stale := strconv.Quote(strconv.FormatInt(cur.Version-1, 10))
		rr := s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": true, "rationale": "every document is in order"}, "If-Match", stale)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})

	etag := strconv.Quote(strconv.FormatInt(cur.Version, 10))
	const padded = "  every document is in order  "
	rr = s.do(&s.validator, http.MethodPost, base+"/decision", map[string]any{"approved": true, "rationale": padded}, "If-Match", etag)
	testutil.AssertStatusOK(s.T(), rr)
	var res DecisionResponse
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &res))
	s.Equal(domain.StateDocsValidated, res.Process.State)
	s.Equal(domain.StateDocsInValidation, res.Decision.FromState)
	s.Equal(strconv.Quote(strconv.FormatInt(res.Process.Version, 10)), rr.Header().Get("ETag"))
	s.Equal(padded, res.Decision.Rationale, "rationale is stored as sent")

	// the same If-Match again loses
	rr = s.do(&s.director, http.MethodPost, base+"/decision", map[string]any{"approved": true, "rationale": "budget line confirmed"}, "If-Match", etag)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")

	rr = s.do(&s.director, http.MethodPost, base+"/decision", map[string]any{
		"approved": false, "rationale": "income documents do not match the form", "expected_state": "docs_validated",
	})
	testutil.AssertStatusOK(s.T(), rr)
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &res))
	s.Equal(domain.StateRejected, res.Process.State)
	s.Empty(res.Process.NextStates)

	s.Run("decisions hide actors from the beneficiary", func() {
		rr := s.do(&s.beneficiary, http.MethodGet, base+"/decisions", nil)
		testutil.AssertStatusOK(s.T(), rr)
		var body struct {
			Decisions []map[string]any `json:"decisions"`
		}
		s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
		s.Require().Len(body.Decisions, 2)
		for _, d := range body.Decisions {
			s.NotContains(d, "actor_id")
			s.Contains(d, "actor_role")
		}
		testutil.AssertStatusAndError(s.T(), s.do(&s.landlord, http.MethodGet, base+"/decisions", nil), http.StatusForbidden, "forbidden")
	})

	s.Run("timeline is redacted for the beneficiary", func() {
		rr := s.do(&s.beneficiary, http.MethodGet, base+"/timeline", nil)
		testutil.AssertStatusOK(s.T(), rr)
		var body struct {
			Events []map[string]any `json:"events"`
		}
		s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
		s.NotEmpty(body.Events)
		for _, e := range body.Events {
			s.NotContains(e, "actor_id")
			s.NotContains(e, "provenance")
		}
	})
}

func (s *HandlerSuite) TestRequestCorrection() {
	p := s.createProcess()
	base := "/processes/" + p.ID.String()
	s.do(&s.beneficiary, http.MethodPut, base+"/form", map[string]any{"form": map[string]any{"a": 1}})
	s.uploadMandatory(p.ID)
	testutil.AssertStatusOK(s.T(), s.do(&s.beneficiary, http.MethodPost, base+"/submit", nil))
	testutil.AssertStatusOK(s.T(), s.do(&s.validator, http.MethodPost, base+"/start-validation", nil))

	rr := s.do(&s.validator, http.MethodPost, base+"/request-correction", map[string]string{"rationale": "tiny"})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")

	rr = s.do(&s.validator, http.MethodPost, base+"/request-correction", map[string]string{"rationale": "lease contract is not signed"})
	testutil.AssertStatusOK(s.T(), rr)
	var res DecisionResponse
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &res))
	s.Equal(domain.StateNeedsCorrection, res.Process.State)
	s.Equal("lease contract is not signed", res.Decision.Rationale)
}

func (s *HandlerSuite) TestList() {
	for range 3 {
		s.createProcess()
	}

	rr := s.do(&s.validator, http.MethodGet, "/processes?limit=2&page=2", nil)
	testutil.AssertStatusOK(s.T(), rr)
	var page ListResponse
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &page))
	s.Len(page.Data, 1)
	s.Equal(PageMeta{Page: 2, Limit: 2, Total: 3, TotalPages: 2}, page.Meta)

	rr = s.do(&s.director, http.MethodGet, "/processes", nil)
	testutil.AssertStatusOK(s.T(), rr)
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &page))
	s.Empty(page.Data)

	testutil.AssertStatusAndError(s.T(), s.do(&s.validator, http.MethodGet, "/processes?state=NOPE", nil), http.StatusUnprocessableEntity, "validation_error")
	testutil.AssertStatusAndError(s.T(), s.do(&s.validator, http.MethodGet, "/processes?limit=500", nil), http.StatusUnprocessableEntity, "validation_error")
}

func (s *HandlerSuite) TestAuditEndpoints() {
	p := s.createProcess()

	rr := s.do(&s.validator, http.MethodGet, "/audit/events?kind=creation&process_id="+p.ID.String(), nil)
	testutil.AssertStatusOK(s.T(), rr)
	var body struct {
		Data []map[string]any `json:"data"`
		Meta PageMeta         `json:"meta"`
	}
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
	s.Len(body.Data, 1)
	s.Equal(1, body.Meta.Total)

	testutil.AssertStatusAndError(s.T(), s.do(&s.validator, http.MethodGet, "/audit/events?from=yesterday", nil), http.StatusUnprocessableEntity, "validation_error")
	testutil.AssertStatusAndError(s.T(), s.do(&s.beneficiary, http.MethodGet, "/audit/events", nil), http.StatusForbidden, "forbidden")

	rr = s.do(&s.director, http.MethodGet, "/audit/statistics", nil)
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "total_processes", float64(1))
	testutil.AssertStatusAndError(s.T(), s.do(&s.landlord, http.MethodGet, "/audit/statistics", nil), http.StatusForbidden, "forbidden")
}

func (s *HandlerSuite) TestCatalogEndpoints() {
	rr := s.do(&s.beneficiary, http.MethodGet, "/catalog/documents", nil)
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONHasKey(s.T(), rr, "documents")

	rr = s.do(&s.beneficiary, http.MethodGet, "/catalog/states", nil)
	testutil.AssertStatusOK(s.T(), rr)
	var states struct {
		States []stateInfo `json:"states"`
	}
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &states))
	s.Len(states.States, len(domain.AllStates))
	for _, st := range states.States {
		if st.State == domain.StateDirectorReview {
			s.Equal([]domain.Role{domain.RoleDirector}, st.Deciders)
		}
	}

	rr = s.do(&s.beneficiary, http.MethodGet, "/catalog/roles", nil)
	testutil.AssertStatusOK(s.T(), rr)
}

func (s *HandlerSuite) TestParseIfMatch() {
	v, err := parseIfMatch(`W/"7"`)
	s.Require().NoError(err)
	s.Equal(int64(7), *v)

	v, err = parseIfMatch("")
	s.NoError(err)
	s.Nil(v)

	_, err = parseIfMatch(`"0"`)
	s.Error(err)
}
