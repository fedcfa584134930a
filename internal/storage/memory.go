package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/sentinel"
)

const defaultTxTimeout = 5 * time.Second

// memoryData holds every table. Stored entities are never mutated in place: writes
// replace map entries with fresh clones, so a shallow copy of the maps is a snapshot.
type memoryData struct {
	processes map[id.ProcessID]*domain.Process
	codes     map[string]id.ProcessID
	documents map[id.DocumentID]*domain.Document
	decisions []*domain.Decision
	events    []*domain.AuditEvent
	published map[id.EventID]time.Time
	pdfs      []*domain.PDFRecord
	seq       int64
}

func newMemoryData() *memoryData {
	return &memoryData{
		processes: make(map[id.ProcessID]*domain.Process),
		codes:     make(map[string]id.ProcessID),
		documents: make(map[id.DocumentID]*domain.Document),
		published: make(map[id.EventID]time.Time),
	}
}

func (d *memoryData) snapshot() *memoryData {
	return &memoryData{
		processes: maps.Clone(d.processes),
		codes:     maps.Clone(d.codes),
		documents: maps.Clone(d.documents),
		decisions: slices.Clone(d.decisions),
		events:    slices.Clone(d.events),
		published: maps.Clone(d.published),
		pdfs:      slices.Clone(d.pdfs),
		seq:       d.seq,
	}
}

// Memory is an in-memory UnitOfWork. Transactions take a coarse lock and restore a
// snapshot when fn fails.
type Memory struct {
	mu      sync.RWMutex
	data    *memoryData
	timeout time.Duration
}

func NewMemory() *Memory {
	return &Memory{data: newMemoryData(), timeout: defaultTxTimeout}
}

func (m *Memory) RunInTx(ctx context.Context, fn func(stores Stores) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	before := m.data.snapshot()
	if err := fn(m.stores(true)); err != nil {
		m.data = before
		return err
	}
	return nil
}

func (m *Memory) Stores() Stores {
	return m.stores(false)
}

func (m *Memory) stores(inTx bool) Stores {
	r := memoryRepo{m: m, inTx: inTx}
	return Stores{
		Processes: memoryProcesses{r},
		Documents: memoryDocuments{r},
		Decisions: memoryDecisions{r},
		Events:    memoryEvents{r},
		PDFs:      memoryPDFs{r},
	}
}

type memoryRepo struct {
	m    *Memory
	inTx bool
}

// read and write take the lock unless the caller already holds it through RunInTx.
func (r memoryRepo) read() func() {
	if r.inTx {
		return func() {}
	}
	r.m.mu.RLock()
	return r.m.mu.RUnlock
}

func (r memoryRepo) write() func() {
	if r.inTx {
		return func() {}
	}
	r.m.mu.Lock()
	return r.m.mu.Unlock
}

type memoryProcesses struct{ memoryRepo }

func (s memoryProcesses) Create(_ context.Context, p *domain.Process) error {
	defer s.write()()
	d := s.m.data
	if _, taken := d.codes[p.Code]; taken {
		return sentinel.ErrConflict
	}
	if _, exists := d.processes[p.ID]; exists {
		return sentinel.ErrConflict
	}
	d.processes[p.ID] = p.Clone()
	d.codes[p.Code] = p.ID
	return nil
}

func (s memoryProcesses) Get(_ context.Context, processID id.ProcessID) (*domain.Process, error) {
	defer s.read()()
	p, ok := s.m.data.processes[processID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return p.Clone(), nil
}

func (s memoryProcesses) Update(_ context.Context, p *domain.Process) error {
	defer s.write()()
	d := s.m.data
	current, ok := d.processes[p.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != p.Version {
		return sentinel.ErrConflict
	}
	p.Version++
	d.processes[p.ID] = p.Clone()
	return nil
}

func (s memoryProcesses) List(_ context.Context, f ProcessFilter) ([]*domain.Process, int, error) {
	defer s.read()()
	search := strings.ToLower(strings.TrimSpace(f.Search))
	var matched []*domain.Process
	for _, p := range s.m.data.processes {
		if f.BeneficiaryID != nil && p.BeneficiaryID != *f.BeneficiaryID {
			continue
		}
		if f.LandlordID != nil && !p.IsLandlord(*f.LandlordID) {
			continue
		}
		if f.VisibleStates != nil && !slices.Contains(f.VisibleStates, p.State) {
			continue
		}
		if f.State != nil && p.State != *f.State {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Code), search) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].Code > matched[j].Code
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	total := len(matched)
	page := paginate(matched, f.Offset, f.Limit)
	out := make([]*domain.Process, len(page))
	for i, p := range page {
		out[i] = p.Clone()
	}
	return out, total, nil
}

func (s memoryProcesses) CountByState(_ context.Context) (map[domain.State]int, error) {
	defer s.read()()
	counts := make(map[domain.State]int)
	for _, p := range s.m.data.processes {
		counts[p.State]++
	}
	return counts, nil
}

func (s memoryProcesses) LastCode(_ context.Context, prefix string) (string, error) {
	defer s.read()()
	var last string
	for code := range s.m.data.codes {
		if strings.HasPrefix(code, prefix) && code > last {
			last = code
		}
	}
	return last, nil
}

type memoryDocuments struct{ memoryRepo }

func (s memoryDocuments) Create(_ context.Context, doc *domain.Document) error {
	defer s.write()()
	if _, exists := s.m.data.documents[doc.ID]; exists {
		return sentinel.ErrConflict
	}
	if doc.Active && s.activeExists(doc.ProcessID, doc.Type, doc.ID) {
		return sentinel.ErrConflict
	}
	s.m.data.documents[doc.ID] = doc.Clone()
	return nil
}

func (s memoryDocuments) activeExists(processID id.ProcessID, docType string, except id.DocumentID) bool {
	for _, d := range s.m.data.documents {
		if d.ID != except && d.Active && d.ProcessID == processID && d.Type == docType {
			return true
		}
	}
	return false
}

func (s memoryDocuments) Get(_ context.Context, documentID id.DocumentID) (*domain.Document, error) {
	defer s.read()()
	doc, ok := s.m.data.documents[documentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s memoryDocuments) Update(_ context.Context, doc *domain.Document) error {
	defer s.write()()
	if _, ok := s.m.data.documents[doc.ID]; !ok {
		return sentinel.ErrNotFound
	}
	if doc.Active && s.activeExists(doc.ProcessID, doc.Type, doc.ID) {
		return sentinel.ErrConflict
	}
	s.m.data.documents[doc.ID] = doc.Clone()
	return nil
}

func (s memoryDocuments) Delete(_ context.Context, documentID id.DocumentID) error {
	defer s.write()()
	if _, ok := s.m.data.documents[documentID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.m.data.documents, documentID)
	return nil
}

func (s memoryDocuments) ListByProcess(_ context.Context, processID id.ProcessID, activeOnly bool) ([]*domain.Document, error) {
	defer s.read()()
	var out []*domain.Document
	for _, doc := range s.m.data.documents {
		if doc.ProcessID != processID || (activeOnly && !doc.Active) {
			continue
		}
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].Version > out[j].Version
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (s memoryDocuments) MaxVersion(_ context.Context, processID id.ProcessID, docType string) (int, error) {
	defer s.read()()
	maxVersion := 0
	for _, doc := range s.m.data.documents {
		if doc.ProcessID == processID && doc.Type == docType && doc.Version > maxVersion {
			maxVersion = doc.Version
		}
	}
	return maxVersion, nil
}

func (s memoryDocuments) DeactivateType(_ context.Context, processID id.ProcessID, docType string) error {
	defer s.write()()
	for docID, doc := range s.m.data.documents {
		if doc.ProcessID == processID && doc.Type == docType && doc.Active {
			c := doc.Clone()
			c.Active = false
			s.m.data.documents[docID] = c
		}
	}
	return nil
}

type memoryDecisions struct{ memoryRepo }

func (s memoryDecisions) Append(_ context.Context, d *domain.Decision) error {
	defer s.write()()
	c := *d
	s.m.data.decisions = append(s.m.data.decisions, &c)
	return nil
}

func (s memoryDecisions) ListByProcess(_ context.Context, processID id.ProcessID) ([]*domain.Decision, error) {
	defer s.read()()
	var out []*domain.Decision
	for _, d := range s.m.data.decisions {
		if d.ProcessID == processID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

type memoryEvents struct{ memoryRepo }

func (s memoryEvents) Append(_ context.Context, e *domain.AuditEvent) error {
	defer s.write()()
	s.m.data.seq++
	e.Seq = s.m.data.seq
	c := *e
	s.m.data.events = append(s.m.data.events, &c)
	return nil
}

func (s memoryEvents) ListByProcess(_ context.Context, processID id.ProcessID) ([]*domain.AuditEvent, error) {
	defer s.read()()
	var out []*domain.AuditEvent
	for _, e := range s.m.data.events {
		if e.ProcessID == processID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s memoryEvents) Search(_ context.Context, f EventFilter) ([]*domain.AuditEvent, int, error) {
	defer s.read()()
	var matched []*domain.AuditEvent
	for i := len(s.m.data.events) - 1; i >= 0; i-- {
		e := s.m.data.events[i]
		if f.ProcessID != nil && e.ProcessID != *f.ProcessID {
			continue
		}
		if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.From != nil && e.OccurredAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.OccurredAt.After(*f.To) {
			continue
		}
		c := *e
		matched = append(matched, &c)
	}
	return paginate(matched, f.Offset, f.Limit), len(matched), nil
}

func (s memoryEvents) CountByKind(_ context.Context) (map[domain.EventKind]int, error) {
	defer s.read()()
	counts := make(map[domain.EventKind]int)
	for _, e := range s.m.data.events {
		counts[e.Kind]++
	}
	return counts, nil
}

func (s memoryEvents) CountSince(_ context.Context, since time.Time) (int, error) {
	defer s.read()()
	n := 0
	for _, e := range s.m.data.events {
		if !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type memoryPDFs struct{ memoryRepo }

func (s memoryPDFs) Append(_ context.Context, r *domain.PDFRecord) error {
	defer s.write()()
	for _, existing := range s.m.data.pdfs {
		if existing.ProcessID == r.ProcessID && existing.Version == r.Version {
			return sentinel.ErrConflict
		}
	}
	c := *r
	s.m.data.pdfs = append(s.m.data.pdfs, &c)
	return nil
}

func (s memoryPDFs) ListByProcess(_ context.Context, processID id.ProcessID) ([]*domain.PDFRecord, error) {
	defer s.read()()
	var out []*domain.PDFRecord
	for _, r := range s.m.data.pdfs {
		if r.ProcessID == processID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// Unpublished returns relayable events in append order.
func (m *Memory) Unpublished(_ context.Context, limit int) ([]*domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuditEvent
	for _, e := range m.data.events {
		if _, done := m.data.published[e.ID]; done {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkPublished(_ context.Context, eventIDs []id.EventID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, eventID := range eventIDs {
		m.data.published[eventID] = at
	}
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
