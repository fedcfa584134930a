package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"subsidy/internal/document"
	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/httputil"
	"subsidy/pkg/requestcontext"
)

// DefaultMaxUploadBytes bounds the multipart body. Per-type limits are checked by the service.
const DefaultMaxUploadBytes = 20 << 20

const maxReasonLen = 1000

// Service is the document gate as seen by the transport.
type Service interface {
	Upload(ctx context.Context, actor domain.Actor, in document.Upload) (*domain.Document, error)
	Validate(ctx context.Context, actor domain.Actor, documentID id.DocumentID, approved bool, reason string) (*domain.Document, error)
	Delete(ctx context.Context, actor domain.Actor, documentID id.DocumentID) error
	ListActive(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]*domain.Document, error)
	ListAll(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]*domain.Document, error)
	Get(ctx context.Context, viewer domain.Actor, documentID id.DocumentID) (*domain.Document, error)
	Download(ctx context.Context, viewer domain.Actor, documentID id.DocumentID) (*domain.Document, []byte, error)
}

// Handler serves the document endpoints.
type Handler struct {
	logger         *slog.Logger
	service        Service
	maxUploadBytes int64
}

// New creates a new document Handler.
func New(service Service, logger *slog.Logger, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{logger: logger, service: service, maxUploadBytes: maxUploadBytes}
}

// Register registers the document routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/documents", func(r chi.Router) {
		r.Post("/process/{processID}", h.handleUpload)
		r.Get("/process/{processID}", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Get("/{id}/download", h.handleDownload)
		r.Post("/{id}/validate", h.handleValidate)
		r.Delete("/{id}", h.handleDelete)
	})
}

// ValidateRequest is a validator's verdict on one document.
type ValidateRequest struct {
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason,omitempty" sanitize:"verbatim"`
}

// uploadForm holds the plain fields of an upload.
type uploadForm struct {
	Type string
}

func (r *ValidateRequest) Validate() error {
	sanitize(r)
	if r.Approved == nil {
		return dErrors.New(dErrors.CodeValidation, "approved is required")
	}
	reason := strings.TrimSpace(r.Reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 1000 characters")
	}
	if !*r.Approved && reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required when rejecting")
	}
	return nil
}

// handleUpload accepts multipart/form-data with a "type" field and a "file" part.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	actor, ok := h.actor(w, ctx)
	if !ok {
		return
	}
	pid, err := id.ParseProcessID(chi.URLParam(r, "processID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid process id"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.logger.WarnContext(ctx, "invalid upload body", "request_id", requestID, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "file is too large"))
			return
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "expected multipart form data"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "file is required"))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read file"))
		return
	}

	form := uploadForm{Type: r.FormValue("type")}
	sanitize(&form)
	doc, err := h.service.Upload(ctx, actor, document.Upload{
		ProcessID: pid,
		Type:      form.Type,
		FileName:  header.Filename,
		MimeType:  header.Header.Get("Content-Type"),
		Content:   content,
	})
	if err != nil {
		h.fail(ctx, w, "upload document", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, doc)
}

// handleList returns active documents, or every version with ?all=true.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, ctx)
	if !ok {
		return
	}
	pid, err := id.ParseProcessID(chi.URLParam(r, "processID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid process id"))
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	list := h.service.ListActive
	if all {
		list = h.service.ListAll
	}
	docs, err := list(ctx, actor, pid)
	if err != nil {
		h.fail(ctx, w, "list documents", err)
		return
	}
	if docs == nil {
		docs = []*domain.Document{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, docID, ok := h.target(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(ctx, actor, docID)
	if err != nil {
		h.fail(ctx, w, "get document", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, docID, ok := h.target(w, r)
	if !ok {
		return
	}
	doc, content, err := h.service.Download(ctx, actor, docID)
	if err != nil {
		h.fail(ctx, w, "download document", err)
		return
	}
	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, safeFileName(doc.FileName)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Content-SHA256", doc.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, docID, ok := h.target(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ValidateRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	doc, err := h.service.Validate(ctx, actor, docID, *req.Approved, req.Reason)
	if err != nil {
		h.fail(ctx, w, "validate document", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, docID, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(ctx, actor, docID); err != nil {
		h.fail(ctx, w, "delete document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (domain.Actor, id.DocumentID, bool) {
	actor, ok := h.actor(w, r.Context())
	if !ok {
		return domain.Actor{}, id.DocumentID{}, false
	}
	docID, err := id.ParseDocumentID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid document id"))
		return domain.Actor{}, id.DocumentID{}, false
	}
	return actor, docID, true
}

func (h *Handler) actor(w http.ResponseWriter, ctx context.Context) (domain.Actor, bool) {
	userID := requestcontext.UserID(ctx)
	role, err := domain.ParseRole(requestcontext.Role(ctx))
	if userID.IsNil() || err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return domain.Actor{}, false
	}
	return domain.Actor{ID: userID, Role: role}, true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	code := dErrors.CodeOf(err)
	level := slog.LevelWarn
	if code == dErrors.CodeInternal || code == dErrors.CodeDependency {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "failed to "+op,
		"code", string(code),
		"error", err.Error(),
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteError(w, err)
}
