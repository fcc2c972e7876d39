package numberpool

import (
	"encoding/json"
	"time"
)

// Number states. A number in a pool is in exactly one of these at any
// instant; Expired is a passive state derived from the context's renewal
// age, not a separate structure.
const (
	StatusFree    = "free"
	StatusTaken   = "taken"
	StatusExpired = "expired"
)

// SessionKey is the request context field holding the session id
const SessionKey = "sid"

// Request context fields with one-level deep merge semantics; everything
// else is overwritten on conflict.
const (
	visitsField        = "visits"
	latestContextField = "latest_context"
)

// RequestContext is the arbitrary JSON payload a visit attaches to a lease.
// Recognized fields: sid, ip, user_agent, referer, host,
// sid_original_referer, latest_context, visits.
type RequestContext map[string]interface{}

// SessionID returns the session id carried by the context, empty if none
func (rc RequestContext) SessionID() string {
	sid, _ := rc[SessionKey].(string)
	return sid
}

func (rc RequestContext) stringField(key string) string {
	v, _ := rc[key].(string)
	return v
}

// IP returns the visitor ip the context was built from
func (rc RequestContext) IP() string { return rc.stringField("ip") }

// UserAgent returns the visitor user agent
func (rc RequestContext) UserAgent() string { return rc.stringField("user_agent") }

// LatestURL returns latest_context.url, the page URL of the most recent
// visit, used for area code targeting
func (rc RequestContext) LatestURL() string {
	latest, _ := rc[latestContextField].(map[string]interface{})
	if latest == nil {
		return ""
	}
	url, _ := latest["url"].(string)
	return url
}

// Merge combines rc with incoming. Incoming values win on conflict, except
// visits and latest_context which are dict-merged one level deep. Neither
// input is mutated.
func (rc RequestContext) Merge(incoming RequestContext) RequestContext {
	out := make(RequestContext, len(rc)+len(incoming))
	for k, v := range rc {
		out[k] = v
	}
	for k, v := range incoming {
		if k == visitsField || k == latestContextField {
			base, baseOK := out[k].(map[string]interface{})
			in, inOK := v.(map[string]interface{})
			if baseOK && inOK {
				merged := make(map[string]interface{}, len(base)+len(in))
				for bk, bv := range base {
					merged[bk] = bv
				}
				for ik, iv := range in {
					merged[ik] = iv
				}
				out[k] = merged
				continue
			}
		}
		out[k] = v
	}
	return out
}

// NumberContext is the record attached to every taken (or expired) number.
// Timestamps are epoch seconds; RenewedAt doubles as the taken sorted-set
// score.
type NumberContext struct {
	PoolID         int            `json:"pool_id"`
	RequestContext RequestContext `json:"request_context"`
	LeasedAt       float64        `json:"leased_at"`
	RenewedAt      float64        `json:"renewed_at"`
}

// SessionID returns the owning session id, empty if none
func (nc *NumberContext) SessionID() string {
	if nc.RequestContext == nil {
		return ""
	}
	return nc.RequestContext.SessionID()
}

// Age returns seconds since the last renewal
func (nc *NumberContext) Age() int {
	return int(nowEpoch() - nc.RenewedAt)
}

// ExpiredAfter reports whether the context has gone unrenewed longer than
// the given inactivity window
func (nc *NumberContext) ExpiredAfter(window time.Duration) bool {
	return nowEpoch()-nc.RenewedAt >= window.Seconds()
}

func (nc *NumberContext) encode() (string, error) {
	data, err := json.Marshal(nc)
	return string(data), err
}

func decodeNumberContext(data string) (*NumberContext, error) {
	var nc NumberContext
	if err := json.Unmarshal([]byte(data), &nc); err != nil {
		return nil, err
	}
	return &nc, nil
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func newNumberContext(poolID int, rc RequestContext) *NumberContext {
	now := nowEpoch()
	if rc == nil {
		rc = RequestContext{}
	}
	return &NumberContext{
		PoolID:         poolID,
		RequestContext: rc,
		LeasedAt:       now,
		RenewedAt:      now,
	}
}
