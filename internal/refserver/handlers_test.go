package refserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apptanksas/horus-sync-go/horus"
)

func testSchemes() []horus.EntityScheme {
	return []horus.EntityScheme{
		{Name: "notes", Type: horus.SchemeWritable, Version: 1, Attributes: []horus.AttributeScheme{
			{Name: "title", Type: horus.AttrString, Version: 1},
			{Name: "pinned", Type: horus.AttrBool, Version: 1, Nullable: true},
		}},
		{Name: "catalog", Type: horus.SchemeReadOnly, Version: 1, Attributes: []horus.AttributeScheme{
			{Name: "label", Type: horus.AttrString, Version: 1},
		}},
	}
}

type testServer struct {
	*Components
	http  *httptest.Server
	clock atomic.Int64
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	cfg := &Config{JWTSecret: "test-secret", Schemes: testSchemes()}
	for _, opt := range opts {
		opt(cfg)
	}
	comps, err := Setup(context.Background(), cfg)
	require.NoError(t, err)
	ts := &testServer{Components: comps}
	ts.clock.Store(1_700_000_000)
	comps.Handlers.now = func() time.Time { return time.Unix(ts.clock.Load(), 0) }
	ts.http = httptest.NewServer(comps.Handler)
	t.Cleanup(func() {
		ts.http.Close()
		comps.Close()
	})
	return ts
}

func (s *testServer) token(t *testing.T, user, device string) string {
	t.Helper()
	tok, err := s.JWTAuth.GenerateToken(user, device, time.Hour)
	require.NoError(t, err)
	return tok
}

// call sends a request and decodes a JSON response into out when out is non-nil.
func (s *testServer) call(t *testing.T, token, method, path string, body, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func insertNote(id int64, recordID, title string) horus.Action {
	return horus.Action{ID: id, Type: horus.ActionInsert, Entity: "notes", RecordID: recordID,
		Payload: map[string]horus.Value{"title": horus.StringValue(title)}}
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusUnauthorized, s.call(t, "", http.MethodGet, "/migration", nil, nil))
	require.Equal(t, http.StatusUnauthorized, s.call(t, "garbage", http.MethodGet, "/migration", nil, nil))
	require.Equal(t, http.StatusOK, s.call(t, "", http.MethodGet, "/health", nil, nil))
}

func TestMigration(t *testing.T) {
	s := newTestServer(t)
	var resp horus.MigrationResponse
	require.Equal(t, http.StatusOK, s.call(t, s.token(t, "u1", "d1"), http.MethodGet, "/migration", nil, &resp))
	require.Equal(t, 1, resp.Version)
	require.Len(t, resp.Schemes, 2)
	require.Equal(t, "notes", resp.Schemes[0].Name)
}

func TestPushIsIdempotentAndFiltersInvalidActions(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1", "d1")

	push := horus.PushRequest{Actions: []horus.Action{
		insertNote(1, "n1", "first"),
		{ID: 2, Type: horus.ActionInsert, Entity: "catalog", RecordID: "c1"},
		{ID: 3, Type: horus.ActionInsert, Entity: "unknown", RecordID: "x"},
		{ID: 4, Type: horus.ActionUpdate, Entity: "notes", RecordID: "n1",
			Payload: map[string]horus.Value{"pinned": horus.BoolValue(true)}},
	}}
	var resp horus.PushResponse
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/queue/actions", push, &resp))
	require.Equal(t, []int64{1, 4}, resp.Accepted)

	// A retried push is accepted again without a second application
	s.clock.Add(10)
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/queue/actions", push, &resp))
	require.Equal(t, []int64{1, 4}, resp.Accepted)

	var pull horus.PullResponse
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodGet, "/queue/actions?after=0", nil, &pull))
	require.Len(t, pull.Actions, 2)
	require.Equal(t, int64(1_700_000_000), pull.Actions[1].Timestamp)
	require.Equal(t, "d1", pull.Actions[0].SourceID)

	var data horus.EntityData
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodGet, "/data/notes", nil, &data))
	require.Len(t, data.Records, 1)
	rec := data.Records[0].ToEntity("notes")
	title, _ := rec.Get("title")
	pinned, _ := rec.Get("pinned")
	require.Equal(t, "first", title.AsString())
	require.True(t, pinned.AsBool())
}

func TestPullExcludesOnlyCallerActions(t *testing.T) {
	s := newTestServer(t)
	tokA := s.token(t, "u1", "device-a")
	tokB := s.token(t, "u1", "device-b")

	require.Equal(t, http.StatusOK, s.call(t, tokA, http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(1, "n1", "a")}}, nil))
	s.clock.Add(5)
	require.Equal(t, http.StatusOK, s.call(t, tokB, http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(1, "n2", "b")}}, nil))

	var pull horus.PullResponse
	require.Equal(t, http.StatusOK, s.call(t, tokA, http.MethodGet, "/queue/actions?after=0&exclude=1", nil, &pull))
	require.Len(t, pull.Actions, 1)
	require.Equal(t, "device-b", pull.Actions[0].SourceID)
	require.Equal(t, s.clock.Load(), pull.ServerTime)

	// after is inclusive
	require.Equal(t, http.StatusOK, s.call(t, tokA, http.MethodGet, "/queue/actions?after=1700000005", nil, &pull))
	require.Len(t, pull.Actions, 1)
	require.Equal(t, "n2", pull.Actions[0].RecordID)

	require.Equal(t, http.StatusBadRequest, s.call(t, tokA, http.MethodGet, "/queue/actions?exclude=x", nil, nil))
	require.Equal(t, http.StatusBadRequest, s.call(t, tokA, http.MethodGet, "/queue/actions?after=-1", nil, nil))
}

func TestScopesAreIsolated(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.call(t, s.token(t, "u1", "d1"), http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(1, "n1", "a")}}, nil))

	var pull horus.PullResponse
	require.Equal(t, http.StatusOK, s.call(t, s.token(t, "u2", "d2"), http.MethodGet, "/queue/actions", nil, &pull))
	require.Empty(t, pull.Actions)
}

func TestActingAs(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.AllowActingAs = func(user, target string) bool { return user == "admin" }
	})
	require.Equal(t, http.StatusOK, s.call(t, s.token(t, "owner", "d1"), http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(1, "n1", "owned")}}, nil))

	get := func(user string) (int, horus.EntityData) {
		req, err := http.NewRequest(http.MethodGet, s.http.URL+"/data/notes", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+s.token(t, user, "d9"))
		req.Header.Set(horus.HeaderActingAs, "owner")
		resp, err := s.http.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var data horus.EntityData
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
		}
		return resp.StatusCode, data
	}

	status, data := get("admin")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, data.Records, 1)

	status, _ = get("intruder")
	require.Equal(t, http.StatusForbidden, status)
}

func TestLastAction(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1", "d1")
	require.Equal(t, http.StatusNoContent, s.call(t, tok, http.MethodGet, "/queue/actions/last", nil, nil))

	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(1, "n1", "a")}}, nil))
	s.clock.Add(3)
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(2, "n2", "b")}}, nil))

	var last horus.Action
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodGet, "/queue/actions/last", nil, &last))
	require.Equal(t, int64(2), last.ID)
	require.Equal(t, s.clock.Load(), last.Timestamp)
}

func TestDataAfter(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1", "d1")
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(1, "n1", "a")}}, nil))
	s.clock.Add(60)
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(2, "n2", "b")}}, nil))

	var all horus.DataResponse
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodGet, "/data?after=0", nil, &all))
	require.Len(t, all.Entities, 2)
	require.Equal(t, "catalog", all.Entities[0].Entity)
	require.Len(t, all.Entities[1].Records, 2)
	require.Equal(t, s.clock.Load(), all.ServerTime)

	var recent horus.DataResponse
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodGet, "/data?after=1700000030", nil, &recent))
	require.Len(t, recent.Entities[1].Records, 1)
	require.Equal(t, "n2", recent.Entities[1].Records[0].ID)

	var some horus.EntityData
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodGet, "/data/notes?ids=n1,zz", nil, &some))
	require.Len(t, some.Records, 1)
	require.Equal(t, "n1", some.Records[0].ID)

	require.Equal(t, http.StatusNotFound, s.call(t, tok, http.MethodGet, "/data/nope", nil, nil))
}

func TestHashValidation(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1", "d1")
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/queue/actions",
		horus.PushRequest{Actions: []horus.Action{insertNote(1, "n1", "a"), insertNote(2, "n2", "b")}}, nil))

	n1 := horus.Entity{Name: "notes", ID: "n1", Attributes: []horus.Attribute{{Name: "title", Value: horus.StringValue("a")}}}
	n2 := horus.Entity{Name: "notes", ID: "n2", Attributes: []horus.Attribute{{Name: "title", Value: horus.StringValue("b")}}}
	stale := horus.Entity{Name: "notes", ID: "n2", Attributes: []horus.Attribute{{Name: "title", Value: horus.StringValue("old")}}}

	var hashing horus.HashValidationResponse
	req := horus.HashValidationRequest{Hashes: []horus.EntityHash{
		{Entity: "notes", Hash: horus.HashEntity([]horus.Entity{n2, n1})},
		{Entity: "catalog", Hash: "bogus"},
	}}
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/validate/hashing", req, &hashing))
	require.Equal(t, []horus.HashValidationResult{
		{Entity: "notes", Matches: true},
		{Entity: "catalog", Matches: false},
	}, hashing.Results)

	var hashes horus.EntityHashes
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodGet, "/entity/notes/hashes", nil, &hashes))
	require.Equal(t, horus.RecordHashes([]horus.Entity{n1, n2}), hashes.Map())

	var data horus.DataValidationResponse
	dataReq := horus.DataValidationRequest{Entities: []horus.EntityHashes{
		horus.EntityHashesOf("notes", horus.RecordHashes([]horus.Entity{n1, stale})),
		horus.EntityHashesOf("catalog", map[string]string{}),
	}}
	require.Equal(t, http.StatusOK, s.call(t, tok, http.MethodPost, "/validate/data", dataReq, &data))
	require.Len(t, data.Entities, 1)
	require.Equal(t, "notes", data.Entities[0].Entity)
	require.Equal(t, horus.HashRecord(n2), data.Entities[0].Map()["n2"])
}

func TestSignin(t *testing.T) {
	s := newTestServer(t)
	var resp SigninResponse
	require.Equal(t, http.StatusOK, s.call(t, "", http.MethodPost, "/signin", SigninRequest{User: "u1"}, &resp))
	require.NotEmpty(t, resp.Device)

	claims, err := s.JWTAuth.ValidateToken(resp.Token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, resp.Device, claims.DeviceID)

	require.Equal(t, http.StatusBadRequest, s.call(t, "", http.MethodPost, "/signin", SigninRequest{}, nil))
}

func TestNewHandlersRejectsInvalidSchemes(t *testing.T) {
	_, err := NewHandlers(NewMemoryStore(), 1, []horus.EntityScheme{
		{Name: "notes", Type: horus.SchemeWritable, Version: 1, Attributes: []horus.AttributeScheme{
			{Name: "title", Type: horus.AttrString, Version: 1},
			{Name: "title", Type: horus.AttrString, Version: 1},
		}},
	}, nil)
	require.ErrorIs(t, err, horus.ErrInvalidSchema)
}
