package taskstore

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxTTL is the ceiling a MemStore clamps requested TTLs to when no
// override is configured.
const DefaultMaxTTL = 60_000 * time.Millisecond

type record struct {
	task     Task
	seq      uint64
	original json.RawMessage
	result   json.RawMessage
	session  string
}

// MemStore is an in-memory Store, suitable for a single-process server or
// for tests. It is safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	byID   map[string]*record
	nextSeq uint64
	maxTTL time.Duration
}

// MemStoreOption configures a MemStore constructed by NewMemStore.
type MemStoreOption func(*MemStore)

// WithMaxTTL overrides the TTL ceiling applied to CreateTask requests.
func WithMaxTTL(d time.Duration) MemStoreOption {
	return func(m *MemStore) { m.maxTTL = d }
}

// NewMemStore returns an empty MemStore.
func NewMemStore(opts ...MemStoreOption) *MemStore {
	m := &MemStore{byID: make(map[string]*record), maxTTL: DefaultMaxTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemStore) CreateTask(_ context.Context, params CreateParams, _ string, original json.RawMessage, sessionID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := params.TTL
	if ttl == nil || time.Duration(*ttl)*time.Millisecond > m.maxTTL {
		clamped := int64(m.maxTTL / time.Millisecond)
		ttl = &clamped
	}

	m.nextSeq++
	t := Task{
		TaskID:       uuid.NewString(),
		Status:       StatusSubmitted,
		CreatedAt:    time.Now(),
		TTL:          ttl,
		PollInterval: params.PollInterval,
	}
	m.byID[t.TaskID] = &record{task: t, seq: m.nextSeq, original: original, session: sessionID}

	out := t
	return &out, nil
}

func (m *MemStore) GetTask(_ context.Context, taskID, sessionID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[taskID]
	if !ok || r.session != sessionID {
		return nil, ErrNotFound
	}
	out := r.task
	return &out, nil
}

func (m *MemStore) StoreTaskResult(_ context.Context, taskID string, status Status, statusMessage string, result json.RawMessage, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[taskID]
	if !ok || r.session != sessionID {
		return ErrNotFound
	}
	if r.task.Status.IsTerminal() {
		return ErrTerminal
	}
	if !status.IsTerminal() {
		status = StatusCompleted
	}
	r.task.Status = status
	r.task.StatusMessage = statusMessage
	r.result = result
	return nil
}

func (m *MemStore) GetTaskResult(_ context.Context, taskID, sessionID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[taskID]
	if !ok || r.session != sessionID {
		return nil, ErrNotFound
	}
	if !r.task.Status.IsTerminal() {
		return nil, ErrNotReady
	}
	return r.result, nil
}

func (m *MemStore) UpdateTaskStatus(_ context.Context, taskID string, status Status, statusMessage string, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[taskID]
	if !ok || r.session != sessionID {
		return ErrNotFound
	}
	if r.task.Status.IsTerminal() {
		return ErrTerminal
	}
	r.task.Status = status
	r.task.StatusMessage = statusMessage
	return nil
}

func (m *MemStore) ListTasks(_ context.Context, cursor, sessionID string) ([]*Task, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var after uint64
	if cursor != "" {
		v, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		after = v
	}

	var recs []*record
	for _, r := range m.byID {
		if r.session == sessionID && r.seq > after {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	const pageSize = 50
	next := ""
	if len(recs) > pageSize {
		recs = recs[:pageSize]
	}
	if len(recs) == pageSize {
		next = strconv.FormatUint(recs[len(recs)-1].seq, 10)
	}

	out := make([]*Task, len(recs))
	for i, r := range recs {
		t := r.task
		out[i] = &t
	}
	return out, next, nil
}

func (m *MemStore) DeleteTask(_ context.Context, taskID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[taskID]
	if !ok || r.session != sessionID {
		return ErrNotFound
	}
	delete(m.byID, taskID)
	return nil
}
