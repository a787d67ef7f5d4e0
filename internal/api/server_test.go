package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/catalog"
	"pilgrim_sync/internal/checkin"
	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
	"pilgrim_sync/internal/squad"
	"pilgrim_sync/internal/wire"
)

var (
	indra = geo.Target{ID: "indra-lingam", Name: "Indra Lingam", Order: 1,
		Coordinate: geo.Coordinate{Latitude: 12.2353, Longitude: 79.0847}, ProximityRadiusMeters: 200}
	agni = geo.Target{ID: "agni-lingam", Name: "Agni Lingam", Order: 2,
		Coordinate: geo.Coordinate{Latitude: 12.2253, Longitude: 79.0897}, ProximityRadiusMeters: 200}
)

var testTokens = StaticTokens{
	"tok-alice": "alice",
	"tok-bob":   "bob",
	"tok-carol": "carol",
}

type testServer struct {
	srv     *Server
	router  http.Handler
	hub     *squad.Hub
	store   *aar.MemoryStore
	repo    *checkin.MemoryRepository
	readyFn func(context.Context) error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	targets := catalog.New(indra, agni)
	ts := &testServer{
		store: aar.NewMemoryStore(),
		repo:  checkin.NewMemoryRepository(),
	}
	ts.hub = squad.NewHub(squad.Options{Directory: squad.NewMemoryDirectory(), Store: ts.store})
	t.Cleanup(ts.hub.Close)

	ts.srv = NewServer(Config{
		CheckIns: checkin.NewService(ts.repo, targets, nil),
		Targets:  targets,
		Hub:      ts.hub,
		Record:   ts.store,
		Auth:     testTokens,
		Ready: func(ctx context.Context) error {
			if ts.readyFn != nil {
				return ts.readyFn(ctx)
			}
			return nil
		},
	})
	ts.router = ts.srv.Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[wire.ErrorResponse](t, rec).Error.Code
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}

	ts.readyFn = func(context.Context) error { return errors.New("postgres down") }
	rec = ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 when not ready, got %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "no token", header: "", wantStatus: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic tok-alice", wantStatus: http.StatusUnauthorized},
		// Authenticated, but alice is in no squad.
		{name: "valid token", header: "Bearer tok-alice", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/squads/1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestParseStaticTokens(t *testing.T) {
	tokens, err := ParseStaticTokens(" tok-a = alice ,tok-b=bob,")
	require.NoError(t, err)
	assert.Equal(t, StaticTokens{"tok-a": "alice", "tok-b": "bob"}, tokens)

	user, err := tokens.Authenticate(context.Background(), "tok-b")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	_, err = tokens.Authenticate(context.Background(), "tok-c")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = ParseStaticTokens("tok-a")
	assert.Error(t, err)
	_, err = ParseStaticTokens("=alice")
	assert.Error(t, err)
}

func TestTargetsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/targets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]geo.Target](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, "indra-lingam", got[0].ID)
}

func checkInAt(target geo.Target) wire.CheckInRequest {
	return wire.CheckInRequest{
		DedupToken:      uuid.NewString(),
		LocalID:         -1,
		TargetID:        target.ID,
		ClientTimestamp: time.Now().UTC(),
		Coordinate:      target.Coordinate,
		AccuracyMeters:  15,
		Reflection:      "first light",
	}
}

func TestConfirmCheckIn(t *testing.T) {
	ts := newTestServer(t)

	req := checkInAt(indra)
	rec := ts.do(t, http.MethodPost, "/api/v1/checkins", "tok-alice", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[wire.CheckInResponse](t, rec)
	assert.True(t, first.Verified)
	assert.False(t, first.Duplicate)

	// Resending the same dedup token returns the same record.
	rec = ts.do(t, http.MethodPost, "/api/v1/checkins", "tok-alice", req)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[wire.CheckInResponse](t, rec)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, ts.repo.Count())
	assert.Equal(t, 1, ts.repo.Progress("alice"))

	rec = ts.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/checkins/%d", first.ID), "tok-alice", wire.ReflectionUpdate{Reflection: "quiet"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/checkins/%d", first.ID), "tok-bob", wire.ReflectionUpdate{Reflection: "mine"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/checkins/%d", first.ID), "tok-alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/checkins/%d", first.ID), "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmCheckInRejections(t *testing.T) {
	ts := newTestServer(t)

	far := checkInAt(agni)
	far.Coordinate = indra.Coordinate

	badToken := checkInAt(indra)
	badToken.DedupToken = "not-a-uuid"

	unknown := checkInAt(indra)
	unknown.TargetID = "kailash"

	badCoord := checkInAt(indra)
	badCoord.Coordinate = geo.Coordinate{Latitude: 91, Longitude: 0}

	tests := []struct {
		name       string
		req        wire.CheckInRequest
		wantStatus int
		wantCode   string
	}{
		{"out of range", far, http.StatusUnprocessableEntity, wire.CodeNotInRange},
		{"bad dedup token", badToken, http.StatusBadRequest, wire.CodeInvalidArgument},
		{"unknown target", unknown, http.StatusNotFound, wire.CodeNotFound},
		{"invalid coordinate", badCoord, http.StatusBadRequest, wire.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/checkins", "tok-alice", tt.req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
	assert.Zero(t, ts.repo.Count())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkins", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSquadLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/squads", "tok-alice", wire.CreateSquadRequest{Name: "Dawn walkers", Capacity: 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[wire.Squad](t, rec)
	assert.Equal(t, "alice", created.CreatorID)
	assert.Len(t, created.JoinCode, squad.JoinCodeLength)
	require.Len(t, created.Members, 1)

	rec = ts.do(t, http.MethodPost, "/api/v1/squads", "tok-alice", wire.CreateSquadRequest{Name: "Second"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, wire.CodeAlreadyMember, errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/v1/squads/join", "tok-bob", wire.JoinSquadRequest{Code: " " + created.JoinCode + " "})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := decode[wire.Squad](t, rec)
	assert.Equal(t, created.ID, joined.ID)
	assert.Len(t, joined.Members, 2)

	rec = ts.do(t, http.MethodPost, "/api/v1/squads/join", "tok-carol", wire.JoinSquadRequest{Code: created.JoinCode})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, wire.CodeSquadFull, errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/v1/squads/join", "tok-carol", wire.JoinSquadRequest{Code: "ZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	path := fmt.Sprintf("/api/v1/squads/%d", created.ID)
	rec = ts.do(t, http.MethodGet, path, "tok-carol", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, wire.CodeNotMember, errorCode(t, rec))
	rec = ts.do(t, http.MethodGet, path, "tok-bob", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/squads/membership", "tok-bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/squads/membership", "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, http.MethodGet, path, "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/squads", "tok-carol", wire.CreateSquadRequest{Name: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	s, err := ts.hub.CreateSquad(ctx, "Record", "alice", 0)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := ts.hub.Send(ctx, s.ID, "alice", event.NewSitRep("alice", fmt.Sprintf("report %d", i), event.SeverityInfo))
		require.NoError(t, err)
	}

	path := fmt.Sprintf("/api/v1/squads/%d/aar", s.ID)
	rec := ts.do(t, http.MethodGet, path+"?from=2", "tok-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[RecordResponse](t, rec)
	assert.Equal(t, uint64(1), page.Floor)
	assert.Equal(t, uint64(3), page.Head)
	require.Len(t, page.Events, 2)
	assert.Equal(t, uint64(2), page.Events[0].Sequence)
	assert.Equal(t, "report 3", page.Events[1].SitRep.Text)
	assert.Zero(t, page.Next)

	// Replaying the same range twice gives identical results.
	rec = ts.do(t, http.MethodGet, path+"?from=1&to=2", "tok-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[RecordResponse](t, rec)
	rec = ts.do(t, http.MethodGet, path+"?from=1&to=2", "tok-alice", nil)
	second := decode[RecordResponse](t, rec)
	require.Len(t, first.Events, 2)
	assert.Equal(t, first.Events, second.Events)

	rec = ts.do(t, http.MethodGet, path+"?from=x", "tok-alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, path+"?from=3&to=2", "tok-alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, path, "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorBodyMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
		retryable  bool
	}{
		{fmt.Errorf("wrapped: %w", checkin.ErrNotInRange), http.StatusUnprocessableEntity, wire.CodeNotInRange, false},
		{event.ErrInvalidEvent, http.StatusBadRequest, wire.CodeInvalidArgument, false},
		{squad.ErrHistoryTruncated, http.StatusGone, wire.CodeHistoryTruncated, false},
		{squad.ErrClosed, http.StatusServiceUnavailable, wire.CodeInternal, true},
		{errors.New("disk on fire"), http.StatusInternalServerError, wire.CodeInternal, true},
	}
	for _, tt := range tests {
		status, body := errorBody(tt.err)
		assert.Equal(t, tt.wantStatus, status, tt.err.Error())
		assert.Equal(t, tt.wantCode, body.Code)
		assert.Equal(t, tt.retryable, body.Retryable)
	}

	_, body := errorBody(errors.New("password=hunter2"))
	assert.Equal(t, "internal error", body.Message)
}
