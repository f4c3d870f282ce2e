package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"whendoist/internal/google"
	"whendoist/internal/model"
	"whendoist/internal/recurrence"
	"whendoist/internal/repository"
)

// In-memory stand-ins for the persistence and provider surfaces. They mimic
// the real repositories' semantics closely enough to exercise the services:
// guarded transitions, insert-on-conflict, window filters.

type memTaskStore struct {
	mu    sync.Mutex
	next  int64
	tasks map[int64]*model.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[int64]*model.Task)}
}

func (s *memTaskStore) Insert(ctx context.Context, t *model.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	t.ID = s.next
	cp := *t
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

func (s *memTaskStore) Update(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[t.ID]
	if !ok || existing.UserID != t.UserID {
		return repository.ErrNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memTaskStore) Delete(ctx context.Context, taskID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[taskID]
	if !ok || existing.UserID != userID {
		return repository.ErrNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *memTaskStore) GetByID(ctx context.Context, taskID int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (s *memTaskStore) ListByUser(ctx context.Context, userID int64) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memTaskStore) ListRecurring(ctx context.Context) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Recurrence != nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memTaskStore) ListScheduledOneOff(ctx context.Context, userID int64) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.UserID == userID && t.Recurrence == nil && t.ScheduledDate != nil && t.ScheduledTime != nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memInstanceStore struct {
	mu        sync.Mutex
	next      int64
	instances map[int64]*model.TaskInstance
	owners    map[int64]int64 // taskID -> userID
}

func newMemInstanceStore() *memInstanceStore {
	return &memInstanceStore{
		instances: make(map[int64]*model.TaskInstance),
		owners:    make(map[int64]int64),
	}
}

func (s *memInstanceStore) InsertPending(ctx context.Context, userID, taskID int64, dueDate time.Time, dueTime *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.TaskID == taskID && inst.DueDate.Equal(dueDate) {
			return false, nil
		}
	}
	s.next++
	s.instances[s.next] = &model.TaskInstance{
		ID:      s.next,
		TaskID:  taskID,
		DueDate: dueDate,
		DueTime: dueTime,
		Status:  model.InstanceStatusPending,
	}
	s.owners[taskID] = userID
	return true, nil
}

func (s *memInstanceStore) TransitionStatus(ctx context.Context, instanceID int64, from, to string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.Status != from {
		return false, nil
	}
	inst.Status = to
	if to == model.InstanceStatusCompleted {
		inst.CompletedAt = &now
	} else {
		inst.CompletedAt = nil
	}
	return true, nil
}

func (s *memInstanceStore) GetByID(ctx context.Context, instanceID int64) (*model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *inst
	return &cp, nil
}

func (s *memInstanceStore) GetOwner(ctx context.Context, instanceID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return s.owners[inst.TaskID], nil
}

func (s *memInstanceStore) ListByTask(ctx context.Context, taskID int64) ([]*model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskInstance
	for _, inst := range s.instances {
		if inst.TaskID == taskID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memInstanceStore) ListByTaskInWindow(ctx context.Context, taskID int64, from, to time.Time) ([]*model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskInstance
	for _, inst := range s.instances {
		if inst.TaskID == taskID && !inst.DueDate.Before(from) && !inst.DueDate.After(to) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memInstanceStore) UpdatePendingDueTime(ctx context.Context, taskID int64, dueTime *string, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for _, inst := range s.instances {
		if inst.TaskID != taskID || inst.Status != model.InstanceStatusPending {
			continue
		}
		if inst.DueDate.Before(from) || inst.DueDate.After(to) {
			continue
		}
		if sameTime(inst.DueTime, dueTime) {
			continue
		}
		inst.DueTime = dueTime
		updated++
	}
	return updated, nil
}

func sameTime(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *memInstanceStore) DeleteStalePending(ctx context.Context, taskID int64, keep []time.Time, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepSet := make(map[time.Time]bool, len(keep))
	for _, d := range keep {
		keepSet[d] = true
	}
	var deleted int64
	for id, inst := range s.instances {
		if inst.TaskID != taskID || inst.Status != model.InstanceStatusPending {
			continue
		}
		if inst.DueDate.Before(from) || inst.DueDate.After(to) {
			continue
		}
		if !keepSet[recurrence.Date(inst.DueDate)] {
			delete(s.instances, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memInstanceStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, inst := range s.instances {
		if inst.Status == model.InstanceStatusPending {
			continue
		}
		if inst.DueDate.Before(cutoff) {
			delete(s.instances, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memInstanceStore) ListPendingPastDue(ctx context.Context, userID int64, before time.Time) ([]*model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskInstance
	for _, inst := range s.instances {
		if s.owners[inst.TaskID] == userID && inst.Status == model.InstanceStatusPending && inst.DueDate.Before(before) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memInstanceStore) ListSyncable(ctx context.Context, userID int64, from time.Time) ([]*model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskInstance
	for _, inst := range s.instances {
		if s.owners[inst.TaskID] != userID {
			continue
		}
		if inst.DueTime == nil || inst.Status == model.InstanceStatusSkipped || inst.DueDate.Before(from) {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

// countByStatus is a test helper.
func (s *memInstanceStore) countByStatus(status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inst := range s.instances {
		if inst.Status == status {
			n++
		}
	}
	return n
}

func (s *memInstanceStore) setStatus(instanceID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instanceID].Status = status
}

type memRecordStore struct {
	mu      sync.Mutex
	next    int64
	records map[int64]*model.CalendarEventSync
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[int64]*model.CalendarEventSync)}
}

func (s *memRecordStore) GetByInstance(ctx context.Context, instanceID int64) (*model.CalendarEventSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.InstanceID != nil && *rec.InstanceID == instanceID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memRecordStore) GetByTask(ctx context.Context, taskID int64) (*model.CalendarEventSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.TaskID != nil && *rec.TaskID == taskID && rec.InstanceID == nil {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memRecordStore) Insert(ctx context.Context, rec *model.CalendarEventSync) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	rec.ID = s.next
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *memRecordStore) UpdateHash(ctx context.Context, recordID int64, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[recordID]; ok {
		rec.ContentHash = contentHash
		rec.Status = model.SyncRecordActive
	}
	return nil
}

func (s *memRecordStore) MarkFailed(ctx context.Context, recordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[recordID]; ok {
		rec.Status = model.SyncRecordFailed
	}
	return nil
}

func (s *memRecordStore) Delete(ctx context.Context, recordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordID)
	return nil
}

func (s *memRecordStore) ListByUser(ctx context.Context, userID int64) ([]*model.CalendarEventSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CalendarEventSync
	for _, rec := range s.records {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memRecordStore) ListByTaskTree(ctx context.Context, taskID int64) ([]*model.CalendarEventSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CalendarEventSync
	for _, rec := range s.records {
		if rec.TaskID != nil && *rec.TaskID == taskID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memRecordStore) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, rec := range s.records {
		if rec.UserID == userID {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memRecordStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memUserStore struct {
	mu    sync.Mutex
	next  int64
	users map[int64]*model.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[int64]*model.User)}
}

func (s *memUserStore) Insert(ctx context.Context, u *model.User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	u.ID = s.next
	cp := *u
	s.users[u.ID] = &cp
	return u.ID, nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *memUserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

type memCredStore struct {
	mu    sync.Mutex
	creds map[int64]*model.GoogleCredential

	updateCalls int
	states      []string
}

func newMemCredStore() *memCredStore {
	return &memCredStore{creds: make(map[int64]*model.GoogleCredential)}
}

func (s *memCredStore) Get(ctx context.Context, userID int64) (*model.GoogleCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *memCredStore) Upsert(ctx context.Context, c *model.GoogleCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[c.UserID] = &cp
	return nil
}

func (s *memCredStore) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if cred, ok := s.creds[userID]; ok {
		cred.AccessToken = accessToken
		if refreshToken != "" {
			cred.RefreshToken = refreshToken
		}
		cred.ExpiresAt = expiresAt
	}
	return nil
}

func (s *memCredStore) SetSyncState(ctx context.Context, userID int64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	if cred, ok := s.creds[userID]; ok {
		cred.SyncState = state
		cred.SyncEnabled = state == model.SyncStateActive
	}
	return nil
}

func (s *memCredStore) lastState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ""
	}
	return s.states[len(s.states)-1]
}

type countingRefresher struct {
	calls int32
	delay time.Duration
	resp  *google.TokenResponse
	err   error
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (*google.TokenResponse, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.resp, nil
}

type memCalendar struct {
	mu     sync.Mutex
	next   int
	events map[string]*google.Event

	insertCalls int
	updateCalls int
	deleteCalls int

	failWith error // injected into the next calls when set
}

func newMemCalendar() *memCalendar {
	return &memCalendar{events: make(map[string]*google.Event)}
}

func (c *memCalendar) InsertEvent(ctx context.Context, accessToken string, ev *google.Event) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertCalls++
	if c.failWith != nil {
		return "", c.failWith
	}
	c.next++
	id := fmt.Sprintf("evt-%d", c.next)
	cp := *ev
	c.events[id] = &cp
	return id, nil
}

func (c *memCalendar) UpdateEvent(ctx context.Context, accessToken, eventID string, ev *google.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCalls++
	if c.failWith != nil {
		return c.failWith
	}
	if _, ok := c.events[eventID]; !ok {
		return google.ErrEventNotFound
	}
	cp := *ev
	c.events[eventID] = &cp
	return nil
}

func (c *memCalendar) DeleteEvent(ctx context.Context, accessToken, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	if c.failWith != nil {
		return c.failWith
	}
	if _, ok := c.events[eventID]; !ok {
		return google.ErrEventNotFound
	}
	delete(c.events, eventID)
	return nil
}

func (c *memCalendar) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertCalls + c.updateCalls + c.deleteCalls
}

func (c *memCalendar) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// memGuard wraps a credential store with a call counter, standing in for
// the token guard.
type memGuard struct {
	creds *memCredStore
	calls int32
}

func (g *memGuard) EnsureValidCredential(ctx context.Context, userID int64) (*model.GoogleCredential, error) {
	atomic.AddInt32(&g.calls, 1)
	cred, err := g.creds.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	switch cred.SyncState {
	case model.SyncStateRevoked:
		return nil, ErrCredentialRevoked
	case model.SyncStateDisabled:
		return nil, ErrSyncDisabled
	}
	return cred, nil
}

// memLease is a single-process lease with a settable cancel flag.
type memLease struct {
	mu           sync.Mutex
	held         bool
	cancelled    bool
	cancelAfter  int // flips cancelled after this many Cancelled checks, when > 0
	cancelChecks int
}

func (l *memLease) AcquireWithCancel(ctx context.Context, userID int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
	return "owner", nil
}

func (l *memLease) Cancelled(ctx context.Context, userID int64, owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelChecks++
	if l.cancelAfter > 0 && l.cancelChecks > l.cancelAfter {
		l.cancelled = true
	}
	return l.cancelled
}

func (l *memLease) Extend(ctx context.Context, userID int64, owner string) {}

func (l *memLease) Release(ctx context.Context, userID int64, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

type capturedEvent struct {
	routingKey string
	payload    any
}

type memPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
	err    error
}

func (p *memPublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, capturedEvent{routingKey: routingKey, payload: payload})
	return nil
}

func (p *memPublisher) byKey(routingKey string) []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []capturedEvent
	for _, ev := range p.events {
		if ev.routingKey == routingKey {
			out = append(out, ev)
		}
	}
	return out
}
