package identity

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService() *Service {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), "s")
}

func TestNewVisitIDFormat(t *testing.T) {
	vid := NewVisitID()
	parts := strings.Split(vid, ".")
	require.Len(t, parts, 2)
	assert.NotEmpty(t, parts[0])
	assert.NotEmpty(t, parts[1])
	assert.NotEqual(t, vid, NewVisitID())
}

func TestCookieRoundTrip(t *testing.T) {
	c := newCookieID("abc-123", "https://ref.example/")
	c.Visits = 3
	encoded, err := c.Encode()
	require.NoError(t, err)
	// URL-encoded JSON, as the client script writes it
	assert.Contains(t, encoded, "%22")

	decoded := DecodeCookie(encoded)
	require.NotNil(t, decoded)
	assert.Equal(t, "abc-123", decoded.ID)
	assert.Equal(t, 3, decoded.Visits)
	assert.Equal(t, "https://ref.example/", decoded.OrigReferrer)

	assert.Nil(t, DecodeCookie(""))
	assert.Nil(t, DecodeCookie("not-json"))
}

func TestReconcileCreatesIDs(t *testing.T) {
	s := testService()
	ids := s.Reconcile(nil, "", "", "http://localhost:8080/one", "https://ref.example/", true)
	require.NotNil(t, ids.VID)
	require.NotNil(t, ids.SID)
	require.NotNil(t, ids.CID)
	assert.NotEmpty(t, ids.SIDString())
	assert.Equal(t, 1, ids.SID.Visits)
	assert.Equal(t, "https://ref.example/", ids.SID.OrigReferrer)
	assert.False(t, ids.SessionReset)
}

func TestReconcileWithoutCreate(t *testing.T) {
	s := testService()
	ids := s.Reconcile(nil, "", "", "http://localhost:8080/one", "", false)
	assert.Nil(t, ids.SID)
	assert.Nil(t, ids.CID)
	assert.Empty(t, ids.SIDString())
}

func TestReconcileKeepsCookieIDs(t *testing.T) {
	s := testService()
	first := s.Reconcile(nil, "", "", "http://localhost:8080/one", "", true)
	sidCookie, err := first.SID.Encode()
	require.NoError(t, err)
	cidCookie, err := first.CID.Encode()
	require.NoError(t, err)

	second := s.Reconcile(nil, sidCookie, cidCookie, "http://localhost:8080/two", "", true)
	assert.Equal(t, first.SIDString(), second.SIDString())
	assert.Equal(t, first.CIDString(), second.CIDString())
	assert.False(t, second.SID.IsNew)
}

func TestReconcileBodyWinsOverCookie(t *testing.T) {
	s := testService()
	cookieIDs := s.Reconcile(nil, "", "", "", "", true)
	sidCookie, err := cookieIDs.SID.Encode()
	require.NoError(t, err)

	zarBlock := map[string]interface{}{
		"sid": map[string]interface{}{"id": "body-sid", "t": float64(1604071692651), "isNew": false},
	}
	ids := s.Reconcile(zarBlock, sidCookie, "", "", "", true)
	assert.Equal(t, "body-sid", ids.SIDString())
}

func TestReconcileNewVisitBumpsVisits(t *testing.T) {
	s := testService()
	first := s.Reconcile(nil, "", "", "", "", true)
	sidCookie, err := first.SID.Encode()
	require.NoError(t, err)
	cidCookie, err := first.CID.Encode()
	require.NoError(t, err)

	zarBlock := map[string]interface{}{
		"vid": map[string]interface{}{"id": NewVisitID(), "isNew": true},
	}
	second := s.Reconcile(zarBlock, sidCookie, cidCookie, "", "", true)
	assert.Equal(t, 2, second.SID.Visits)
	assert.Equal(t, 2, second.CID.Visits)

	// Same visit again: no bump
	zarBlock["vid"].(map[string]interface{})["isNew"] = false
	sidCookie, _ = second.SID.Encode()
	cidCookie, _ = second.CID.Encode()
	third := s.Reconcile(zarBlock, sidCookie, cidCookie, "", "", true)
	assert.Equal(t, 2, third.SID.Visits)
}

func TestSessionResetParam(t *testing.T) {
	s := testService()
	first := s.Reconcile(nil, "", "", "http://localhost:8080/one", "", true)

	// New s= value rotates the sid
	sidCookie, _ := first.SID.Encode()
	second := s.Reconcile(nil, sidCookie, "", "http://localhost:8080/one?s=2", "", true)
	assert.NotEqual(t, first.SIDString(), second.SIDString())
	assert.True(t, second.SessionReset)
	assert.Equal(t, "2", second.SID.ResetParamValue)

	// Same s= value: stable
	sidCookie, _ = second.SID.Encode()
	third := s.Reconcile(nil, sidCookie, "", "http://localhost:8080/one?s=2", "", true)
	assert.Equal(t, second.SIDString(), third.SIDString())
	assert.False(t, third.SessionReset)

	// No s= param: stable
	sidCookie, _ = third.SID.Encode()
	fourth := s.Reconcile(nil, sidCookie, "", "http://localhost:8080/other", "", true)
	assert.Equal(t, third.SIDString(), fourth.SIDString())
	assert.False(t, fourth.SessionReset)
}

func TestPoolCookieRoundTrip(t *testing.T) {
	ps := &PoolSession{
		Enabled: true,
		Numbers: map[string]map[string]interface{}{
			"1": {"number": "5551230001", "pool_id": float64(1)},
		},
	}
	encoded, err := ps.Encode()
	require.NoError(t, err)

	decoded := DecodePoolCookie(encoded)
	require.NotNil(t, decoded)
	assert.True(t, decoded.Enabled)
	assert.Equal(t, "5551230001", decoded.Numbers["1"]["number"])

	assert.Nil(t, DecodePoolCookie(""))
	assert.Nil(t, DecodePoolCookie("garbage"))

	empty := DecodePoolCookie("%7B%22enabled%22%3Afalse%7D")
	require.NotNil(t, empty)
	assert.NotNil(t, empty.Numbers)
}

func TestCookieDomain(t *testing.T) {
	assert.Equal(t, "example.com", cookieDomain("www.example.com"))
	assert.Equal(t, "example.com", cookieDomain("example.com:8080"))
	assert.Equal(t, "", cookieDomain("localhost"))
	assert.Equal(t, "", cookieDomain("testserver"))
	assert.Equal(t, "", cookieDomain("127.0.0.1:8080"))
}
