package identity

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	SIDCookieName  = "_zar_sid"
	CIDCookieName  = "_zar_cid"
	PoolCookieName = "_zar_pool"

	SIDCookieMaxAge = 7 * 24 * time.Hour
	CIDCookieMaxAge = 2 * 365 * 24 * time.Hour
	// Should line up with the pool max renewal time
	PoolCookieMaxAge = 7 * 24 * time.Hour
)

// PoolSession is the aggregate pool cookie: an opt-in flag plus the last
// lease response per pool. Pool ids are strings because cookie JSON keys are.
type PoolSession struct {
	Enabled bool                              `json:"enabled"`
	Numbers map[string]map[string]interface{} `json:"numbers"`
}

// DecodePoolCookie parses the pool cookie, nil on empty or malformed values
func DecodePoolCookie(raw string) *PoolSession {
	if raw == "" {
		return nil
	}
	unquoted, err := url.QueryUnescape(raw)
	if err != nil {
		unquoted = raw
	}
	var ps PoolSession
	if err := json.Unmarshal([]byte(unquoted), &ps); err != nil {
		return nil
	}
	if ps.Numbers == nil {
		ps.Numbers = map[string]map[string]interface{}{}
	}
	return &ps
}

// Encode renders the pool cookie value
func (ps *PoolSession) Encode() (string, error) {
	data, err := json.Marshal(ps)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(string(data)), nil
}

// SetCookie writes a cross-site-capable cookie scoped to the site's
// registrable domain. Cross-site embeds require SameSite=None with Secure.
func SetCookie(w http.ResponseWriter, name, value, host string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cookieDomain(host),
		MaxAge:   int(maxAge.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	})
}

// cookieDomain reduces host to its last two labels so the cookie spans
// subdomains. Bare hosts, IPs and the test client get no domain attribute.
func cookieDomain(host string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || host == "localhost" || host == "testserver" || net.ParseIP(host) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
