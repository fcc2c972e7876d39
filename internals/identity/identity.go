package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Three identifiers track a visitor at different lifetimes: vid spans one
// visit (client session storage), sid one session (7 day cookie), cid the
// customer (2 year cookie).
type CookieID struct {
	ID              string `json:"id"`
	T               int64  `json:"t"`
	OrigReferrer    string `json:"origReferrer"`
	IsNew           bool   `json:"isNew"`
	Visits          int    `json:"visits,omitempty"`
	ResetParamValue string `json:"resetParamValue,omitempty"`
}

// IDSet is the reconciled identity of one request
type IDSet struct {
	VID *CookieID
	SID *CookieID
	CID *CookieID
	// SessionReset is set when the session-reset URL param rotated the sid,
	// which also invalidates any pool cookie.
	SessionReset bool
}

func (s *IDSet) VIDString() string { return idString(s.VID) }
func (s *IDSet) SIDString() string { return idString(s.SID) }
func (s *IDSet) CIDString() string { return idString(s.CID) }

func idString(c *CookieID) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// NewVisitID generates a vid in the same format as the client script:
// base36 millis, a dot, then base36 random.
func NewVisitID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "." + strconv.FormatInt(rand.Int63(), 36)
}

func newCookieID(id, referrer string) *CookieID {
	return &CookieID{
		ID:           id,
		T:            time.Now().UnixMilli(),
		OrigReferrer: referrer,
		IsNew:        true,
	}
}

// DecodeCookie parses a URL-encoded JSON cookie value, nil when empty or
// malformed.
func DecodeCookie(raw string) *CookieID {
	if raw == "" {
		return nil
	}
	unquoted, err := url.QueryUnescape(raw)
	if err != nil {
		unquoted = raw
	}
	var c CookieID
	if err := json.Unmarshal([]byte(unquoted), &c); err != nil || c.ID == "" {
		return nil
	}
	return &c
}

// Encode renders the cookie value: URL-encoded JSON
func (c *CookieID) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cookie: %w", err)
	}
	return url.QueryEscape(string(data)), nil
}

// Service reconciles client-supplied identifiers with cookies
type Service struct {
	logger     *slog.Logger
	resetParam string
}

func New(logger *slog.Logger, resetParam string) *Service {
	return &Service{logger: logger, resetParam: resetParam}
}

// Reconcile merges the body's zar block with the sid/cid cookies into a
// single identity. The body wins over cookies since the client script may
// have rotated ids since the cookies were set. With create=false, missing
// ids stay empty instead of being minted (track calls must not create
// identities for visitors who never loaded a page).
//
// A new vid marks a new visit: it bumps the visit counters and clears the
// isNew flags on ids seen before. A changed value of the session-reset URL
// param rotates the sid.
func (s *Service) Reconcile(zarBlock map[string]interface{}, sidCookie, cidCookie, pageURL, referrer string, create bool) *IDSet {
	out := &IDSet{
		VID: fromZarBlock(zarBlock, "vid"),
		SID: firstID(fromZarBlock(zarBlock, "sid"), DecodeCookie(sidCookie)),
		CID: firstID(fromZarBlock(zarBlock, "cid"), DecodeCookie(cidCookie)),
	}

	if create {
		if out.VID == nil {
			out.VID = newCookieID(NewVisitID(), referrer)
		}
		if out.SID == nil {
			out.SID = newCookieID(uuid.NewString(), referrer)
			out.SID.Visits = 1
		}
		if out.CID == nil {
			out.CID = newCookieID(uuid.NewString(), referrer)
			out.CID.Visits = 1
		}
	}
	if out.SID == nil || out.CID == nil {
		return out
	}

	if out.VID != nil && out.VID.IsNew {
		if !out.SID.IsNew {
			out.SID.Visits++
		}
		if !out.CID.IsNew {
			out.CID.Visits++
		}
	}

	if s.resetParam != "" && pageURL != "" {
		s.maybeResetSession(out, pageURL, referrer)
	}

	// First round trip done: subsequent requests see these as established
	out.SID.IsNew = false
	out.CID.IsNew = false
	return out
}

// maybeResetSession rotates the sid when the reset param appears in the URL
// with a value it has not seen before.
func (s *Service) maybeResetSession(ids *IDSet, pageURL, referrer string) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	value := parsed.Query().Get(s.resetParam)
	if value == "" || value == ids.SID.ResetParamValue {
		return
	}
	s.logger.Info("session reset param changed, rotating sid", "param", s.resetParam)
	rotated := newCookieID(uuid.NewString(), referrer)
	rotated.Visits = ids.SID.Visits
	rotated.ResetParamValue = value
	ids.SID = rotated
	ids.SessionReset = true
}

func fromZarBlock(zarBlock map[string]interface{}, key string) *CookieID {
	if zarBlock == nil {
		return nil
	}
	raw, ok := zarBlock[key].(map[string]interface{})
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var c CookieID
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		return nil
	}
	return &c
}

func firstID(ids ...*CookieID) *CookieID {
	for _, c := range ids {
		if c != nil {
			return c
		}
	}
	return nil
}
