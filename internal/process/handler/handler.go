package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"subsidy/internal/domain"
	"subsidy/internal/ledger"
	"subsidy/internal/ports"
	"subsidy/internal/process"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/httputil"
	"subsidy/pkg/platform/middleware/auth"
	"subsidy/pkg/requestcontext"
)

// Service is the process engine as seen by the transport.
type Service interface {
	Create(ctx context.Context, actor domain.Actor, in process.CreateInput) (*domain.Process, error)
	Get(ctx context.Context, viewer domain.Actor, processID id.ProcessID) (*domain.Process, error)
	List(ctx context.Context, viewer domain.Actor, q process.ListQuery) (*process.ProcessPage, error)
	UpdateForm(ctx context.Context, actor domain.Actor, processID id.ProcessID, form domain.FormPayload) (*domain.Process, error)
	Submit(ctx context.Context, actor domain.Actor, processID id.ProcessID) (*domain.Process, error)
	StartValidation(ctx context.Context, actor domain.Actor, processID id.ProcessID) (*domain.Process, error)
	MakeDecision(ctx context.Context, actor domain.Actor, processID id.ProcessID, in process.DecisionInput) (*process.DecisionResult, error)
	RequestCorrection(ctx context.Context, actor domain.Actor, processID id.ProcessID, rationale string) (*process.DecisionResult, error)
	Sign(ctx context.Context, actor domain.Actor, processID id.ProcessID) (*domain.Process, error)
	Close(ctx context.Context, actor domain.Actor, processID id.ProcessID) (*domain.Process, error)
	VerifySignature(ctx context.Context, viewer domain.Actor, processID id.ProcessID) (bool, error)
	Timeline(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]domain.AuditEvent, error)
	Decisions(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]domain.Decision, error)
	PDFHistory(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]*domain.PDFRecord, error)
	SearchEvents(ctx context.Context, viewer domain.Actor, q ledger.SearchQuery) (*ledger.EventPage, error)
	Statistics(ctx context.Context, viewer domain.Actor) (*ledger.Statistics, error)
}

// Handler serves the process, audit and catalog endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
	catalog ports.Catalog
}

// New creates a new process Handler.
func New(service Service, catalog ports.Catalog, logger *slog.Logger) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		catalog: catalog,
	}
}

// Register registers the routes with the chi router. Authentication is applied by
// the caller.
func (h *Handler) Register(r chi.Router) {
	r.Route("/processes", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Put("/form", h.handleUpdateForm)
			r.Post("/submit", h.handleSubmit)
			r.Post("/start-validation", h.handleStartValidation)
			r.Post("/decision", h.handleDecision)
			r.Post("/request-correction", h.handleRequestCorrection)
			r.Post("/sign", h.handleSign)
			r.Post("/close", h.handleClose)
			r.Get("/timeline", h.handleTimeline)
			r.Get("/decisions", h.handleDecisions)
			r.Get("/pdf-history", h.handlePDFHistory)
			r.Get("/signature/verify", h.handleVerify)
		})
	})
	r.Route("/audit", func(r chi.Router) {
		r.Use(auth.RequireRole(h.logger, staffRoles()...))
		r.Get("/events", h.handleSearchEvents)
		r.Get("/statistics", h.handleStatistics)
	})
	r.Get("/catalog/documents", h.handleCatalog)
	r.Get("/catalog/states", h.handleStates)
	r.Get("/catalog/roles", h.handleRoles)
}

func staffRoles() []string {
	var out []string
	for _, r := range domain.AllRoles {
		if r.IsStaff() {
			out = append(out, r.String())
		}
	}
	return out
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	actor, ok := h.actor(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CreateProcessRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	p, err := h.service.Create(ctx, actor, process.CreateInput{BeneficiaryID: req.beneficiary, LandlordID: req.landlord})
	if err != nil {
		h.fail(ctx, w, "create process", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toProcessResponse(p))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, ctx)
	if !ok {
		return
	}
	q := r.URL.Query()
	state, err := parseState(q.Get("state"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, limit, err := parsePaging(q.Get("page"), q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.service.List(ctx, actor, process.ListQuery{
		State:  state,
		Search: strings.TrimSpace(q.Get("search")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		h.fail(ctx, w, "list processes", err)
		return
	}
	data := make([]ProcessResponse, 0, len(res.Processes))
	for _, p := range res.Processes {
		data = append(data, toProcessResponse(p))
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Data: data, Meta: pageMeta(res.Page, res.Limit, res.Total)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.withProcess(w, r, "get process", h.service.Get)
}

func (h *Handler) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[UpdateFormRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	p, err := h.service.UpdateForm(ctx, actor, pid, domain.FormPayload(req.Form))
	if err != nil {
		h.fail(ctx, w, "update form", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toProcessResponse(p))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.withProcess(w, r, "submit process", h.service.Submit)
}

func (h *Handler) handleStartValidation(w http.ResponseWriter, r *http.Request) {
	h.withProcess(w, r, "start validation", h.service.StartValidation)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	h.withProcess(w, r, "sign process", h.service.Sign)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	h.withProcess(w, r, "close process", h.service.Close)
}

// handleDecision needs If-Match (the version the client acted on) or expected_state
// in the body; without either the answer is 428.
func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[DecisionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	res, err := h.service.MakeDecision(ctx, actor, pid, process.DecisionInput{
		Approved:        *req.Approved,
		Rationale:       req.Rationale,
		ExpectedState:   req.expected,
		ExpectedVersion: expected,
	})
	if err != nil {
		h.fail(ctx, w, "make decision", err)
		return
	}
	h.writeDecision(w, res)
}

func (h *Handler) handleRequestCorrection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CorrectionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	res, err := h.service.RequestCorrection(ctx, actor, pid, req.Rationale)
	if err != nil {
		h.fail(ctx, w, "request correction", err)
		return
	}
	h.writeDecision(w, res)
}

func (h *Handler) writeDecision(w http.ResponseWriter, res *process.DecisionResult) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(res.Process.Version, 10)))
	httputil.WriteJSON(w, http.StatusOK, DecisionResponse{Process: toProcessResponse(res.Process), Decision: res.Decision})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	events, err := h.service.Timeline(ctx, actor, pid)
	if err != nil {
		h.fail(ctx, w, "load timeline", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	decisions, err := h.service.Decisions(ctx, actor, pid)
	if err != nil {
		h.fail(ctx, w, "load decisions", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (h *Handler) handlePDFHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	history, err := h.service.PDFHistory(ctx, actor, pid)
	if err != nil {
		h.fail(ctx, w, "load pdf history", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"pdfs": history})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	valid, err := h.service.VerifySignature(ctx, actor, pid)
	if err != nil {
		h.fail(ctx, w, "verify signature", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, VerifyResponse{Valid: valid})
}

func (h *Handler) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, ctx)
	if !ok {
		return
	}
	q, err := parseSearch(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.service.SearchEvents(ctx, actor, q)
	if err != nil {
		h.fail(ctx, w, "search events", err)
		return
	}
	if res.Events == nil {
		res.Events = []*domain.AuditEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data": res.Events,
		"meta": pageMeta(res.Page, res.Limit, res.Total),
	})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, ctx)
	if !ok {
		return
	}
	stats, err := h.service.Statistics(ctx, actor)
	if err != nil {
		h.fail(ctx, w, "load statistics", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.catalog.List(ctx)
	if err != nil {
		h.fail(ctx, w, "list catalog", dErrors.Wrap(err, dErrors.CodeDependency, "catalog unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": entries})
}

type stateInfo struct {
	State    domain.State   `json:"state"`
	Next     []domain.State `json:"next"`
	Deciders []domain.Role  `json:"deciders,omitempty"`
	Terminal bool           `json:"terminal"`
}

func (h *Handler) handleStates(w http.ResponseWriter, _ *http.Request) {
	out := make([]stateInfo, 0, len(domain.AllStates))
	for _, st := range domain.AllStates {
		next := process.NextStates(st)
		if next == nil {
			next = []domain.State{}
		}
		out = append(out, stateInfo{State: st, Next: next, Deciders: process.DecisionRoles(st), Terminal: st.IsTerminal()})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"states": out})
}

type roleInfo struct {
	Role          domain.Role    `json:"role"`
	Staff         bool           `json:"staff"`
	VisibleStates []domain.State `json:"visible_states,omitempty"`
}

func (h *Handler) handleRoles(w http.ResponseWriter, _ *http.Request) {
	out := make([]roleInfo, 0, len(domain.AllRoles))
	for _, role := range domain.AllRoles {
		states, _ := process.VisibleStates(role)
		out = append(out, roleInfo{Role: role, Staff: role.IsStaff(), VisibleStates: states})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"roles": out})
}

type processCall func(ctx context.Context, actor domain.Actor, processID id.ProcessID) (*domain.Process, error)

// withProcess runs a bodyless per-process call and writes the resulting process.
func (h *Handler) withProcess(w http.ResponseWriter, r *http.Request, op string, call processCall) {
	ctx := r.Context()
	actor, pid, ok := h.target(w, r)
	if !ok {
		return
	}
	p, err := call(ctx, actor, pid)
	if err != nil {
		h.fail(ctx, w, op, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toProcessResponse(p))
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (domain.Actor, id.ProcessID, bool) {
	actor, ok := h.actor(w, r.Context())
	if !ok {
		return domain.Actor{}, id.ProcessID{}, false
	}
	pid, err := id.ParseProcessID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid process id"))
		return domain.Actor{}, id.ProcessID{}, false
	}
	return actor, pid, true
}

// actor reads the caller placed on the context by the auth middleware.
func (h *Handler) actor(w http.ResponseWriter, ctx context.Context) (domain.Actor, bool) {
	userID := requestcontext.UserID(ctx)
	role, err := domain.ParseRole(requestcontext.Role(ctx))
	if userID.IsNil() || err != nil {
		h.logger.WarnContext(ctx, "caller missing from context",
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return domain.Actor{}, false
	}
	return domain.Actor{ID: userID, Role: role}, true
}

// fail logs at a level matching the error code and writes the error body.
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
	writeError(w, err)
}

func parsePaging(rawPage, rawLimit string) (int, int, error) {
	page, limit := 0, 0
	var err error
	if rawPage != "" {
		if page, err = strconv.Atoi(rawPage); err != nil || page < 1 {
			return 0, 0, dErrors.New(dErrors.CodeValidation, "page must be a positive integer")
		}
	}
	if rawLimit != "" {
		if limit, err = strconv.Atoi(rawLimit); err != nil || limit < 1 || limit > 100 {
			return 0, 0, dErrors.New(dErrors.CodeValidation, "limit must be between 1 and 100")
		}
	}
	return page, limit, nil
}

func parseIfMatch(raw string) (*int64, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "W/"))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(strings.Trim(raw, `"`), 10, 64)
	if err != nil || v < 1 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "If-Match must carry a process version")
	}
	return &v, nil
}

func parseSearch(r *http.Request) (ledger.SearchQuery, error) {
	q := r.URL.Query()
	var out ledger.SearchQuery
	var err error
	if out.Page, out.Limit, err = parsePaging(q.Get("page"), q.Get("limit")); err != nil {
		return out, err
	}
	if raw := q.Get("process_id"); raw != "" {
		pid, err := id.ParseProcessID(raw)
		if err != nil {
			return out, dErrors.New(dErrors.CodeValidation, "invalid process_id")
		}
		out.ProcessID = &pid
	}
	if raw := q.Get("actor_id"); raw != "" {
		uid, err := id.ParseUserID(raw)
		if err != nil {
			return out, dErrors.New(dErrors.CodeValidation, "invalid actor_id")
		}
		out.ActorID = &uid
	}
	if raw := q.Get("kind"); raw != "" {
		kind, err := domain.ParseEventKind(strings.ToUpper(raw))
		if err != nil {
			return out, dErrors.New(dErrors.CodeValidation, "unknown event kind")
		}
		out.Kind = &kind
	}
	for key, dst := range map[string]**time.Time{"from": &out.From, "to": &out.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return out, dErrors.New(dErrors.CodeValidation, key+" must be an RFC 3339 timestamp")
		}
		*dst = &t
	}
	return out, nil
}
