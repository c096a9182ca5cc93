package horus

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

type memStore struct {
	mu         sync.Mutex
	actions    []Action
	nextID     int64
	now        int64
	checkpoint int64
	statuses   map[Operation]OperationStatus
	writable   map[string]bool
	version    int
	schemes    []EntityScheme
	failMark   error
	failQueue  error
}

func newMemStore(writable ...string) *memStore {
	s := &memStore{now: 1000, statuses: map[Operation]OperationStatus{}, writable: map[string]bool{}}
	for _, w := range writable {
		s.writable[w] = true
	}
	return s
}

func (s *memStore) IsStatusCompleted(_ context.Context, op Operation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[op] == OperationCompleted, nil
}

func (s *memStore) RecordStatus(_ context.Context, op Operation, status OperationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[op] = status
	return nil
}

func (s *memStore) LastCheckpoint(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, nil
}

func (s *memStore) SaveCheckpoint(_ context.Context, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = max(s.checkpoint, ts)
	return nil
}

func (s *memStore) enqueue(typ ActionType, entity, id string, attrs []Attribute) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQueue != nil {
		return Action{}, s.failQueue
	}
	s.nextID++
	a := Action{
		ID:        s.nextID,
		Type:      typ,
		Entity:    entity,
		RecordID:  id,
		Status:    StatusPending,
		Timestamp: s.now,
		SourceID:  "device-1",
	}
	if typ != ActionDelete {
		a.Payload = AttributesToMap(attrs)
	}
	s.actions = append(s.actions, a)
	return a, nil
}

func (s *memStore) EnqueueInsert(_ context.Context, entity, id string, attrs []Attribute) (Action, error) {
	return s.enqueue(ActionInsert, entity, id, attrs)
}

func (s *memStore) EnqueueUpdate(_ context.Context, entity, id string, attrs []Attribute) (Action, error) {
	return s.enqueue(ActionUpdate, entity, id, attrs)
}

func (s *memStore) EnqueueDelete(_ context.Context, entity, id string) (Action, error) {
	return s.enqueue(ActionDelete, entity, id, nil)
}

func (s *memStore) PendingActions(context.Context) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Action
	for _, a := range s.actions {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) MarkCompleted(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMark != nil {
		return s.failMark
	}
	for i := range s.actions {
		if slices.Contains(ids, s.actions[i].ID) {
			s.actions[i].Status = StatusCompleted
		}
	}
	return nil
}

func (s *memStore) LastCompletedAction(context.Context) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.actions) - 1; i >= 0; i-- {
		if s.actions[i].Status == StatusCompleted {
			a := s.actions[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (s *memStore) CompletedActionsAfter(_ context.Context, ts int64) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Action
	for _, a := range s.actions {
		if a.Status == StatusCompleted && a.Timestamp >= ts {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) EntityNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.writable)), nil
}

func (s *memStore) WritableEntityNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range slices.Sorted(maps.Keys(s.writable)) {
		if s.writable[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *memStore) IsWritable(_ context.Context, entity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable[entity], nil
}

func (s *memStore) SaveSchemes(_ context.Context, version int, schemes []EntityScheme) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.schemes = schemes
	for _, sc := range FlattenSchemes(schemes) {
		s.writable[sc.Name] = sc.Writable()
	}
	return nil
}

func (s *memStore) SchemaVersion(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *memStore) pendingCount() int {
	p, _ := s.PendingActions(context.Background())
	return len(p)
}

type memLocal struct {
	mu        sync.Mutex
	records   map[string]map[string]Entity
	failApply error
	applied   []Action
}

func newMemLocal() *memLocal {
	return &memLocal{records: map[string]map[string]Entity{}}
}

func (l *memLocal) put(e Entity) {
	if l.records[e.Name] == nil {
		l.records[e.Name] = map[string]Entity{}
	}
	l.records[e.Name][e.ID] = e
}

func (l *memLocal) ApplyActions(_ context.Context, actions []Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failApply != nil {
		return l.failApply
	}
	for _, a := range actions {
		switch a.Type {
		case ActionInsert:
			l.put(a.Record())
		case ActionUpdate:
			cur := AttributesToMap(l.records[a.Entity][a.RecordID].Attributes)
			maps.Copy(cur, a.Payload)
			l.put(Entity{Name: a.Entity, ID: a.RecordID, Attributes: AttributesFromMap(cur)})
		case ActionDelete:
			delete(l.records[a.Entity], a.RecordID)
		}
		l.applied = append(l.applied, a)
	}
	return nil
}

func (l *memLocal) UpsertRecords(_ context.Context, _ string, records []Entity) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.put(r)
	}
	return nil
}

func (l *memLocal) DeleteRecords(_ context.Context, entity string, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.records[entity], id)
	}
	return nil
}

func (l *memLocal) Records(_ context.Context, entity string) ([]Entity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := slices.Sorted(maps.Keys(l.records[entity]))
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.records[entity][id])
	}
	return out, nil
}

func (l *memLocal) Count(_ context.Context, entity string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records[entity]), nil
}

// fakeRemote serves a fixed server-side record set and action log.
type fakeRemote struct {
	mu         sync.Mutex
	migration  *MigrationResponse
	records    map[string]map[string]Entity
	log        []Action
	serverTime int64

	pushErr     error
	pullErr     error
	validateErr error
	hashErr     map[string]error
	acceptOnly  func(Action) bool

	pushCalls     int
	pullCalls     int
	validateCalls int
	pushed        [][]Action
	lastExclude   []int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: map[string]map[string]Entity{}, serverTime: 2000}
}

func (r *fakeRemote) put(e Entity) {
	if r.records[e.Name] == nil {
		r.records[e.Name] = map[string]Entity{}
	}
	r.records[e.Name][e.ID] = e
}

func (r *fakeRemote) FetchMigration(context.Context) (*MigrationResponse, error) {
	if r.migration == nil {
		return nil, TransportError("fetch migration", errors.New("no migration"))
	}
	return r.migration, nil
}

func (r *fakeRemote) FetchData(_ context.Context, _ int64) (*DataResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := &DataResponse{ServerTime: r.serverTime}
	for _, name := range slices.Sorted(maps.Keys(r.records)) {
		ed := EntityData{Entity: name}
		for _, id := range slices.Sorted(maps.Keys(r.records[name])) {
			ed.Records = append(ed.Records, RecordPayloadOf(r.records[name][id]))
		}
		resp.Entities = append(resp.Entities, ed)
	}
	return resp, nil
}

func (r *fakeRemote) FetchEntityData(_ context.Context, entity string, _ int64, ids []string) (*EntityData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ed := &EntityData{Entity: entity}
	for _, id := range ids {
		if e, ok := r.records[entity][id]; ok {
			ed.Records = append(ed.Records, RecordPayloadOf(e))
		}
	}
	return ed, nil
}

func (r *fakeRemote) PushActions(_ context.Context, req *PushRequest) (*PushResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushCalls++
	if r.pushErr != nil {
		return nil, r.pushErr
	}
	r.pushed = append(r.pushed, slices.Clone(req.Actions))
	resp := &PushResponse{}
	for _, a := range req.Actions {
		if r.acceptOnly != nil && !r.acceptOnly(a) {
			continue
		}
		resp.Accepted = append(resp.Accepted, a.ID)
	}
	return resp, nil
}

func (r *fakeRemote) PullActions(_ context.Context, after int64, exclude []int64) (*PullResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullCalls++
	r.lastExclude = exclude
	if r.pullErr != nil {
		return nil, r.pullErr
	}
	resp := &PullResponse{ServerTime: r.serverTime}
	for _, a := range r.log {
		if a.Timestamp >= after && !slices.Contains(exclude, a.ID) {
			resp.Actions = append(resp.Actions, a)
		}
	}
	return resp, nil
}

func (r *fakeRemote) LastAction(context.Context) (*Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.log) == 0 {
		return nil, nil
	}
	a := r.log[len(r.log)-1]
	return &a, nil
}

func (r *fakeRemote) ValidateHashing(_ context.Context, req *HashValidationRequest) (*HashValidationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validateCalls++
	if r.validateErr != nil {
		return nil, r.validateErr
	}
	resp := &HashValidationResponse{}
	for _, h := range req.Hashes {
		resp.Results = append(resp.Results, HashValidationResult{Entity: h.Entity, Matches: h.Hash == r.entityHash(h.Entity)})
	}
	return resp, nil
}

func (r *fakeRemote) entityHash(entity string) string {
	ids := slices.Sorted(maps.Keys(r.records[entity]))
	records := make([]Entity, 0, len(ids))
	for _, id := range ids {
		records = append(records, r.records[entity][id])
	}
	return HashEntity(records)
}

func (r *fakeRemote) recordHashes(entity string) EntityHashes {
	m := make(map[string]string)
	for id, e := range r.records[entity] {
		m[id] = HashRecord(e)
	}
	return EntityHashesOf(entity, m)
}

func (r *fakeRemote) ValidateData(_ context.Context, req *DataValidationRequest) (*DataValidationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := &DataValidationResponse{}
	for _, eh := range req.Entities {
		resp.Entities = append(resp.Entities, r.recordHashes(eh.Entity))
	}
	return resp, nil
}

func (r *fakeRemote) EntityHashes(_ context.Context, entity string) (*EntityHashes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hashErr[entity]; err != nil {
		return nil, err
	}
	eh := r.recordHashes(entity)
	return &eh, nil
}

func note(id, title string) Entity {
	return Entity{Name: "notes", ID: id, Attributes: []Attribute{
		{Name: "title", Value: StringValue(title)},
	}}
}
