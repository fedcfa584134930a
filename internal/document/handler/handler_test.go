package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"subsidy/internal/adapters/blob"
	"subsidy/internal/adapters/catalog"
	"subsidy/internal/document"
	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	"subsidy/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	mem     *storage.Memory
	router  chi.Router
	process *domain.Process
	docType string

	beneficiary domain.Actor
	landlord    domain.Actor
	validator   domain.Actor
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.mem = storage.NewMemory()
	blobs, err := blob.NewFS(s.T().TempDir())
	s.Require().NoError(err)
	cat := catalog.Default()
	mandatory, err := cat.ListMandatory(context.Background())
	s.Require().NoError(err)
	s.docType = mandatory[0].Type

	s.beneficiary = domain.Actor{ID: id.NewUserID(), Role: domain.RoleBeneficiary}
	s.landlord = domain.Actor{ID: id.NewUserID(), Role: domain.RoleLandlord}
	s.validator = domain.Actor{ID: id.NewUserID(), Role: domain.RoleValidator}

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	landlord := s.landlord.ID
	p, err := domain.NewProcess(id.NewProcessID(), "SUB-2024-000001", s.beneficiary.ID, &landlord, now)
	s.Require().NoError(err)
	s.Require().NoError(s.mem.Stores().Processes.Create(context.Background(), p))
	s.process = p

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(document.New(s.mem, blobs, cat), logger, 1<<20).Register(s.router)
}

func (s *HandlerSuite) uploadRequest(actor domain.Actor, docType, fileName, mime string, content []byte) *http.Request {
	req := testutil.NewMultipartRequest(s.T(), "/documents/process/"+s.process.ID.String(),
		map[string]string{"type": docType},
		testutil.FilePart{Field: "file", FileName: fileName, MimeType: mime, Content: content})
	return testutil.WithActor(req, actor.ID, string(actor.Role))
}

func (s *HandlerSuite) upload(content string) *domain.Document {
	rr := testutil.DoRequest(s.router, s.uploadRequest(s.beneficiary, s.docType, "lease.pdf", domain.MimePDF, []byte(content)))
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	doc := testutil.DecodeJSON[domain.Document](s.T(), rr)
	return &doc
}

func (s *HandlerSuite) do(actor domain.Actor, method, path string, body any) *httptest.ResponseRecorder {
	req := testutil.NewJSONRequest(s.T(), method, path, body)
	return testutil.DoRequest(s.router, testutil.WithActor(req, actor.ID, string(actor.Role)))
}

func (s *HandlerSuite) TestUploadVersions() {
	first := s.upload("%PDF-1.4 one")
	second := s.upload("%PDF-1.4 two")
	s.Equal(1, first.Version)
	s.Equal(2, second.Version)
	s.True(second.Active)

	base := "/documents/process/" + s.process.ID.String()
	var list struct {
		Documents []domain.Document `json:"documents"`
	}
	rr := s.do(s.beneficiary, http.MethodGet, base, nil)
	testutil.AssertStatusOK(s.T(), rr)
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &list))
	s.Require().Len(list.Documents, 1)
	s.Equal(second.ID, list.Documents[0].ID)

	rr = s.do(s.beneficiary, http.MethodGet, base+"?all=true", nil)
	testutil.AssertStatusOK(s.T(), rr)
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &list))
	s.Len(list.Documents, 2)
}

func (s *HandlerSuite) TestUploadRejections() {
	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"unknown type", s.uploadRequest(s.beneficiary, "NOPE", "a.pdf", domain.MimePDF, []byte("x")), http.StatusNotFound, "not_found"},
		{"wrong format", s.uploadRequest(s.beneficiary, s.docType, "a.gif", "image/gif", []byte("x")), http.StatusUnprocessableEntity, "validation_error"},
		{"extension mismatch", s.uploadRequest(s.beneficiary, s.docType, "a.png", domain.MimePDF, []byte("x")), http.StatusUnprocessableEntity, "validation_error"},
		{"empty file", s.uploadRequest(s.beneficiary, s.docType, "a.pdf", domain.MimePDF, nil), http.StatusUnprocessableEntity, "validation_error"},
		{"landlord", s.uploadRequest(s.landlord, s.docType, "a.pdf", domain.MimePDF, []byte("x")), http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rr := testutil.DoRequest(s.router, tt.req)
			testutil.AssertStatusAndError(s.T(), rr, tt.status, tt.code)
		})
	}

	s.Run("not multipart", func() {
		rr := s.do(s.beneficiary, http.MethodPost, "/documents/process/"+s.process.ID.String(), map[string]string{"type": s.docType})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})
	s.Run("body over the limit", func() {
		big := bytes.Repeat([]byte("a"), 2<<20)
		rr := testutil.DoRequest(s.router, s.uploadRequest(s.beneficiary, s.docType, "a.pdf", domain.MimePDF, big))
		s.GreaterOrEqual(rr.Code, 400)
		s.Less(rr.Code, 500)
	})
}

func (s *HandlerSuite) TestDownload() {
	doc := s.upload("%PDF-1.4 body")
	path := "/documents/" + doc.ID.String() + "/download"

	rr := s.do(s.validator, http.MethodGet, path, nil)
	testutil.AssertStatusOK(s.T(), rr)
	s.Equal("%PDF-1.4 body", rr.Body.String())
	s.Equal(domain.MimePDF, rr.Header().Get("Content-Type"))
	s.Contains(rr.Header().Get("Content-Disposition"), `filename="lease.pdf"`)

	testutil.AssertStatusAndError(s.T(), s.do(s.landlord, http.MethodGet, path, nil), http.StatusForbidden, "forbidden")
	testutil.AssertStatusAndError(s.T(), s.do(s.validator, http.MethodGet, "/documents/"+id.NewDocumentID().String(), nil), http.StatusNotFound, "not_found")
	testutil.AssertStatusAndError(s.T(), s.do(s.validator, http.MethodGet, "/documents/zzz", nil), http.StatusBadRequest, "bad_request")
}

func (s *HandlerSuite) TestValidate() {
	doc := s.upload("%PDF-1.4 body")
	path := "/documents/" + doc.ID.String() + "/validate"

	// only while the process is in document validation
	rr := s.do(s.validator, http.MethodPost, path, map[string]any{"approved": true})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")

	p, err := s.mem.Stores().Processes.Get(context.Background(), s.process.ID)
	s.Require().NoError(err)
	p.MoveTo(domain.StateDocsInValidation, time.Now())
	s.Require().NoError(s.mem.Stores().Processes.Update(context.Background(), p))

	rr = s.do(s.validator, http.MethodPost, path, map[string]any{"approved": false})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	rr = s.do(s.validator, http.MethodPost, path, map[string]any{"approved": false, "reason": "   "})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	rr = s.do(s.validator, http.MethodPost, path, map[string]any{"approved": false, "reason": strings.Repeat("x", 1001)})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "validation_error")
	rr = s.do(s.beneficiary, http.MethodPost, path, map[string]any{"approved": true})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")

	rr = s.do(s.validator, http.MethodPost, path, map[string]any{"approved": false, "reason": "  photo is illegible  "})
	testutil.AssertStatusOK(s.T(), rr)
	var got domain.Document
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &got))
	s.Equal(domain.ValidationRejected, got.Validation)
	s.Equal("  photo is illegible  ", got.RejectionReason, "reason is stored as sent")
}

func (s *HandlerSuite) TestDelete() {
	first := s.upload("%PDF-1.4 one")
	second := s.upload("%PDF-1.4 two")

	testutil.AssertStatusAndError(s.T(), s.do(s.validator, http.MethodDelete, "/documents/"+second.ID.String(), nil), http.StatusForbidden, "forbidden")

	rr := s.do(s.beneficiary, http.MethodDelete, "/documents/"+second.ID.String(), nil)
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)

	rr = s.do(s.beneficiary, http.MethodGet, "/documents/"+first.ID.String(), nil)
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "active", true)
}

func (s *HandlerSuite) TestSafeFileName() {
	s.Equal("passwd", safeFileName("../../etc/passwd"))
	s.Equal("evil.pdf", safeFileName(`C:\temp\evil";.pdf`))
	s.Equal("my_lease.pdf", safeFileName("my lease.pdf"))
	s.Equal("document", safeFileName(""))
}
