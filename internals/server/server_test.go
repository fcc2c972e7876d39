package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarlabs/zar/internals/attribution"
	"github.com/zarlabs/zar/internals/catalog"
	"github.com/zarlabs/zar/internals/config"
	"github.com/zarlabs/zar/internals/events"
	"github.com/zarlabs/zar/internals/geo"
	"github.com/zarlabs/zar/internals/identity"
	"github.com/zarlabs/zar/internals/kvstore"
	"github.com/zarlabs/zar/internals/monitoring"
	"github.com/zarlabs/zar/internals/numberpool"
	"github.com/zarlabs/zar/internals/userctx"
)

const adminKey = "abc"

type fakeCatalog struct{}

func (fakeCatalog) ActivePools(_ context.Context) ([]catalog.Pool, error) {
	return []catalog.Pool{{ID: 1, Name: "default", Properties: map[string]interface{}{}}}, nil
}

func (fakeCatalog) PoolNumbers(_ context.Context, _ int) (map[string]struct{}, error) {
	return map[string]struct{}{
		"5551230001": {}, "5551230002": {}, "5551230003": {},
	}, nil
}

type fakeRecorder struct {
	pages  []*events.PageEvent
	tracks []*events.TrackEvent
	calls  []*events.CallEvent
}

func (f *fakeRecorder) RecordPage(_ context.Context, ev *events.PageEvent) (int64, error) {
	f.pages = append(f.pages, ev)
	return int64(len(f.pages)), nil
}

func (f *fakeRecorder) RecordTrack(_ context.Context, ev *events.TrackEvent) (int64, error) {
	f.tracks = append(f.tracks, ev)
	return int64(len(f.tracks)), nil
}

func (f *fakeRecorder) RecordCall(_ context.Context, ev *events.CallEvent) (int64, error) {
	f.calls = append(f.calls, ev)
	return int64(len(f.calls)), nil
}

type testServer struct {
	srv      *Server
	router   *gin.Engine
	recorder *fakeRecorder
	engine   *numberpool.Engine
	users    *userctx.Store
	cookies  map[string]*http.Cookie
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv, err := kvstore.Connect(context.Background(), kvstore.Options{Addr: mr.Addr(), ConnectTries: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cfg := &config.Config{
		Environment:       "test",
		Debug:             true,
		PoolEnabled:       true,
		PoolKey:           adminKey,
		SessionResetParam: "s",
		RequestsPerMinute: 6000,
		BurstSize:         1000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	engine := numberpool.New(kv, fakeCatalog{}, nil, logger, numberpool.Config{})
	_, err = engine.InitPools(context.Background())
	require.NoError(t, err)

	users := userctx.New(kv, logger, 14*24*time.Hour, []string{"266696687", "anonymous"})

	geoFile := filepath.Join(t.TempDir(), "geo.json")
	require.NoError(t, os.WriteFile(geoFile, []byte(`{
		"area_codes": {"401": {"lat": 41.7, "lng": -71.5}},
		"zips": {"02184": {"lat": 42.2, "lng": -71.0}}
	}`), 0o644))
	distancer, err := geo.NewDistancer(geoFile)
	require.NoError(t, err)

	resolver := attribution.New(engine, users, distancer, logger, "Zip")
	ids := identity.New(logger, cfg.SessionResetParam)
	recorder := &fakeRecorder{}
	notifier := monitoring.NewNotifier("", 0, logger)

	srv, err := New(logger, cfg, engine, resolver, users, ids, recorder, notifier)
	require.NoError(t, err)

	return &testServer{
		srv:      srv,
		router:   srv.Router(),
		recorder: recorder,
		engine:   engine,
		users:    users,
		cookies:  map[string]*http.Cookie{},
	}
}

// do sends a request carrying the accumulated cookies and folds any
// Set-Cookie headers back into the jar, like a browser would.
func (ts *testServer) do(t *testing.T, method, path string, body interface{}, contentType string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "test-agent")
	for _, cookie := range ts.cookies {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	for _, cookie := range w.Result().Cookies() {
		ts.cookies[cookie.Name] = cookie
	}

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func pageBody(url string) map[string]interface{} {
	return map[string]interface{}{
		"type": "page",
		"properties": map[string]interface{}{
			"url":      url,
			"referrer": "http://localhost:8080/one",
		},
	}
}

func poolPageBody(url string, poolID int) map[string]interface{} {
	body := pageBody(url)
	props := body["properties"].(map[string]interface{})
	props["pool_id"] = poolID
	props["pool_context"] = map[string]interface{}{"url": url}
	return body
}

func TestPageSetsIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	w, data := ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one"), "")
	require.Equal(t, http.StatusOK, w.Code)
	sid1, _ := data["sid"].(string)
	require.NotEmpty(t, sid1)
	assert.NotEmpty(t, data["vid"])
	assert.NotEmpty(t, data["cid"])
	assert.NotNil(t, ts.cookies[identity.SIDCookieName])
	assert.NotNil(t, ts.cookies[identity.CIDCookieName])
	require.Len(t, ts.recorder.pages, 1)
	assert.Equal(t, sid1, ts.recorder.pages[0].SID)

	// Stable across calls with cookies
	_, data = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/two"), "")
	assert.Equal(t, sid1, data["sid"])
}

func TestPageSessionReset(t *testing.T) {
	ts := newTestServer(t, nil)

	_, data := ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one"), "")
	sid1 := data["sid"].(string)

	// New s= value rotates the session
	_, data = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one?s=2"), "")
	sid2 := data["sid"].(string)
	assert.NotEqual(t, sid1, sid2)

	// Same s= value and then no s= param: stable
	_, data = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one?s=2"), "")
	assert.Equal(t, sid2, data["sid"])
	_, data = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/other"), "")
	assert.Equal(t, sid2, data["sid"])
}

func TestPageWithPool(t *testing.T) {
	ts := newTestServer(t, nil)

	_, data := ts.do(t, http.MethodPost, "/api/v2/page", poolPageBody("http://localhost:8080/one?pl=1", 1), "")
	poolData, ok := data["pool_data"].(map[string]interface{})
	require.True(t, ok, "expected pool_data in response")
	require.Equal(t, statusSuccess, poolData["status"])
	number, _ := poolData["number"].(string)
	require.NotEmpty(t, number)
	require.NotNil(t, ts.cookies[identity.PoolCookieName])

	// Follow-up page call renews the same number via the pool cookie
	_, data = ts.do(t, http.MethodPost, "/api/v2/page", poolPageBody("http://localhost:8080/two", 1), "")
	poolData = data["pool_data"].(map[string]interface{})
	assert.Equal(t, number, poolData["number"])
	assert.Equal(t, true, poolData["renewed"])
}

func TestPageWithoutOptInSkipsPool(t *testing.T) {
	ts := newTestServer(t, nil)

	// No pl=1 and no pool cookie: no lease
	_, data := ts.do(t, http.MethodPost, "/api/v2/page", poolPageBody("http://localhost:8080/one", 1), "")
	assert.Nil(t, data["pool_data"])
	assert.Nil(t, ts.cookies[identity.PoolCookieName])
}

func TestPageSkipsBots(t *testing.T) {
	ts := newTestServer(t, nil)

	body := pageBody("http://localhost:8080/one")
	body["properties"].(map[string]interface{})["is_bot"] = true
	w, data := ts.do(t, http.MethodPost, "/api/v2/page", body, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, data)
	assert.Empty(t, ts.recorder.pages)
}

func TestTrack(t *testing.T) {
	ts := newTestServer(t, nil)

	_, _ = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one"), "")

	body := map[string]interface{}{
		"type":       "track",
		"event":      "event1",
		"properties": map[string]interface{}{"attr1": "val1"},
	}
	w, data := ts.do(t, http.MethodPost, "/api/v2/track", body, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, data["id"])
	require.Len(t, ts.recorder.tracks, 1)
	assert.Equal(t, "event1", ts.recorder.tracks[0].Event)
	assert.Equal(t, ts.recorder.pages[0].SID, ts.recorder.tracks[0].SID)
}

func TestTrackBeacon(t *testing.T) {
	ts := newTestServer(t, nil)

	body := map[string]interface{}{"type": "track", "event": "beacon-event"}
	w, _ := ts.do(t, http.MethodPost, "/api/v2/track", body, "text/plain")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, ts.recorder.tracks, 1)
}

func TestNoscript(t *testing.T) {
	ts := newTestServer(t, nil)

	w, data := ts.do(t, http.MethodGet, "/api/v2/noscript", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, data["sid"])
	require.Len(t, ts.recorder.pages, 1)
	assert.Equal(t, true, ts.recorder.pages[0].Properties["noscript"])
}

func TestNumberPoolNoSID(t *testing.T) {
	ts := newTestServer(t, nil)

	body := map[string]interface{}{"pool_id": 1, "context": map[string]interface{}{"foo": "bar"}}
	w, data := ts.do(t, http.MethodPost, "/api/v2/number_pool", body, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, statusError, data["status"])
	assert.Equal(t, msgNoSID, data["msg"])
}

func TestNumberPoolLeaseAndRenew(t *testing.T) {
	ts := newTestServer(t, nil)
	_, _ = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one"), "")

	body := map[string]interface{}{"pool_id": 1, "context": map[string]interface{}{"foo": "bar"}}
	w, data := ts.do(t, http.MethodPost, "/api/v2/number_pool", body, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, statusSuccess, data["status"])
	number := data["number"].(string)
	require.NotEmpty(t, number)
	require.NotNil(t, ts.cookies[identity.PoolCookieName])

	// Renewal returns the same number
	body["number"] = number
	_, data = ts.do(t, http.MethodPost, "/api/v2/number_pool", body, "")
	assert.Equal(t, statusSuccess, data["status"])
	assert.Equal(t, number, data["number"])
}

func TestNumberPoolRenewalWithoutCookieExpires(t *testing.T) {
	ts := newTestServer(t, nil)
	_, _ = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one"), "")

	body := map[string]interface{}{"pool_id": 1, "number": "5551230001"}
	_, data := ts.do(t, http.MethodPost, "/api/v2/number_pool", body, "")
	assert.Equal(t, statusError, data["status"])
	assert.Equal(t, msgExpired, data["msg"])
}

func TestUpdateNumber(t *testing.T) {
	ts := newTestServer(t, nil)
	_, _ = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one"), "")

	lease := map[string]interface{}{"pool_id": 1, "context": map[string]interface{}{"foo": "bar"}}
	_, data := ts.do(t, http.MethodPost, "/api/v2/number_pool", lease, "")
	require.Equal(t, statusSuccess, data["status"])
	number := data["number"].(string)

	update := map[string]interface{}{
		"pool_id": 1,
		"number":  number,
		"context": map[string]interface{}{"location": map[string]interface{}{"City": "Jacksonville"}},
	}
	w, data := ts.do(t, http.MethodPost, "/api/v2/update_number", update, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, statusSuccess, data["status"])
	nc := data["context"].(map[string]interface{})
	latest := nc["request_context"].(map[string]interface{})["latest_context"].(map[string]interface{})
	assert.Contains(t, latest, "location")
	assert.Equal(t, "bar", latest["foo"])
}

func TestTrackCall(t *testing.T) {
	ts := newTestServer(t, nil)
	_, _ = ts.do(t, http.MethodPost, "/api/v2/page", pageBody("http://localhost:8080/one"), "")

	lease := map[string]interface{}{"pool_id": 1, "context": map[string]interface{}{"foo": "bar"}}
	_, data := ts.do(t, http.MethodPost, "/api/v2/number_pool", lease, "")
	require.Equal(t, statusSuccess, data["status"])
	number := data["number"].(string)

	userCtx := map[string]interface{}{
		"key":     adminKey,
		"user_id": "4015735878",
		"id_type": "phone",
		"context": map[string]interface{}{"Zip": "02184"},
	}
	w, _ := ts.do(t, http.MethodPost, "/api/v2/update_user_context", userCtx, "")
	require.Equal(t, http.StatusOK, w.Code)

	call := map[string]interface{}{
		"key":       adminKey,
		"call_id":   "call-1",
		"call_from": "4015735878",
		"call_to":   number,
	}
	w, data = ts.do(t, http.MethodPost, "/api/v2/track_call", call, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, statusSuccess, data["status"])

	msg := data["msg"].(map[string]interface{})
	userContext := msg["user_context"].(map[string]interface{})
	assert.NotNil(t, userContext["zip_to_area_code_distance"])
	latest := msg["request_context"].(map[string]interface{})["latest_context"].(map[string]interface{})
	assert.NotNil(t, latest["zip_to_area_code_distance"])

	require.Len(t, ts.recorder.calls, 1)
	assert.Equal(t, "call-1", ts.recorder.calls[0].CallID)
	assert.False(t, ts.recorder.calls[0].FromRouteCache)

	// Second call attributes via the route cache write-back
	w, data = ts.do(t, http.MethodPost, "/api/v2/track_call", call, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, statusSuccess, data["status"])

	// Renewing after a call surfaces the session's call trace
	lease["number"] = number
	_, data = ts.do(t, http.MethodPost, "/api/v2/number_pool", lease, "")
	require.Equal(t, statusSuccess, data["status"])
	sidCtx, ok := data["sid_ctx"].(map[string]interface{})
	require.True(t, ok, "expected sid_ctx on renewal")
	assert.Equal(t, number, sidCtx["last_called_number"])
	assert.NotNil(t, sidCtx["last_called_time"])
}

func TestTrackCallNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	call := map[string]interface{}{
		"key":       adminKey,
		"call_id":   "call-1",
		"call_from": "5559990000",
		"call_to":   "5550000000",
	}
	_, data := ts.do(t, http.MethodPost, "/api/v2/track_call", call, "")
	assert.Equal(t, statusError, data["status"])
	assert.Equal(t, msgNotFound, data["msg"])
	assert.Empty(t, ts.recorder.calls)
}

func TestTrackCallStaticNumber(t *testing.T) {
	ts := newTestServer(t, nil)

	set := map[string]interface{}{
		"key": adminKey,
		"contexts": []map[string]interface{}{
			{"number": "5551237777", "context": map[string]interface{}{"test": "1"}},
		},
	}
	w, _ := ts.do(t, http.MethodPost, "/api/v2/set_static_number_contexts", set, "")
	require.Equal(t, http.StatusOK, w.Code)

	call := map[string]interface{}{
		"key":       adminKey,
		"call_id":   "call-1",
		"call_from": "5559990000",
		"call_to":   "5551237777",
	}
	_, data := ts.do(t, http.MethodPost, "/api/v2/track_call", call, "")
	require.Equal(t, statusSuccess, data["status"])
	msg := data["msg"].(map[string]interface{})
	staticCtx := msg["static_context"].(map[string]interface{})
	assert.Equal(t, "1", staticCtx["test"])
}

func TestStaticNumberContextEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	set := map[string]interface{}{
		"key": adminKey,
		"contexts": []map[string]interface{}{
			{"number": "5551237777", "context": map[string]interface{}{"campaign": "billboard"}},
		},
	}
	w, _ := ts.do(t, http.MethodPost, "/api/v2/set_static_number_contexts", set, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, data := ts.do(t, http.MethodGet, "/api/v2/get_static_number_context?key="+adminKey+"&number=5551237777", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, statusSuccess, data["status"])
	staticCtx := data["msg"].(map[string]interface{})
	assert.Equal(t, "billboard", staticCtx["campaign"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/remove_static_number_context?key="+adminKey+"&number=5551237777", nil, "")
	require.Equal(t, statusSuccess, data["status"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/get_static_number_context?key="+adminKey+"&number=5551237777", nil, "")
	require.Equal(t, statusSuccess, data["status"])
	assert.Nil(t, data["msg"])
}

func TestUserContextEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	update := map[string]interface{}{
		"key":     adminKey,
		"user_id": "4015735878",
		"id_type": "phone",
		"context": map[string]interface{}{"foo": "bar", "Zip": "02184"},
	}
	w, data := ts.do(t, http.MethodPost, "/api/v2/update_user_context", update, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, statusSuccess, data["status"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/get_user_context?key="+adminKey+"&user_id=4015735878&id_type=phone", nil, "")
	require.Equal(t, statusSuccess, data["status"])
	profile := data["msg"].(map[string]interface{})
	assert.Equal(t, "02184", profile["Zip"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/remove_user_context?key="+adminKey+"&user_id=4015735878&id_type=phone", nil, "")
	require.Equal(t, statusSuccess, data["status"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/get_user_context?key="+adminKey+"&user_id=4015735878&id_type=phone", nil, "")
	assert.Nil(t, data["msg"])
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	w, data := ts.do(t, http.MethodGet, "/api/v2/init_number_pools?key="+adminKey, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, statusSuccess, data["status"])
	counts := data["msg"].(map[string]interface{})
	assert.Equal(t, float64(3), counts["default"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/reset_pool?key="+adminKey+"&pool_id=1&preserve=false", nil, "")
	require.Equal(t, statusSuccess, data["status"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/number_pool_stats?key="+adminKey, nil, "")
	stats := data["1/default"].(map[string]interface{})
	counts = stats["counts"].(map[string]interface{})
	assert.Equal(t, float64(3), counts["total"])

	_, data = ts.do(t, http.MethodGet, "/api/v2/refresh_number_pool_conn?key="+adminKey, nil, "")
	assert.Equal(t, statusSuccess, data["status"])
}

func TestAdminKeyRequired(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Debug = false })

	w, _ := ts.do(t, http.MethodGet, "/api/v2/number_pool_stats", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/api/v2/number_pool_stats?key=wrong", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/api/v2/number_pool_stats?key="+adminKey, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	call := map[string]interface{}{"call_id": "c", "call_from": "a", "call_to": "b"}
	w, _ = ts.do(t, http.MethodPost, "/api/v2/track_call", call, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil)
	w, _ := ts.do(t, http.MethodGet, "/api/v2/ok", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}
