package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PageEvent is one page view
type PageEvent struct {
	VID        string
	SID        string
	CID        string
	UID        string
	Host       string
	IP         string
	UserAgent  string
	Referer    string
	Properties map[string]interface{}
}

// TrackEvent is one custom analytics event
type TrackEvent struct {
	Event      string
	VID        string
	SID        string
	CID        string
	UID        string
	Host       string
	IP         string
	UserAgent  string
	Referer    string
	Properties map[string]interface{}
}

// CallEvent is one attributed phone call
type CallEvent struct {
	CallID         string
	SID            string
	CallFrom       string
	CallTo         string
	NumberContext  map[string]interface{}
	FromRouteCache bool
}

// Recorder persists analytics events. Implementations return the persisted
// row id where the backing store produces one.
type Recorder interface {
	RecordPage(ctx context.Context, ev *PageEvent) (int64, error)
	RecordTrack(ctx context.Context, ev *TrackEvent) (int64, error)
	RecordCall(ctx context.Context, ev *CallEvent) (int64, error)
}

// PostgresRecorder writes events to the analytics tables
type PostgresRecorder struct {
	db *pgxpool.Pool
}

func NewPostgresRecorder(db *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func encodeProps(props map[string]interface{}) (string, error) {
	if props == nil {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(data), nil
}

func (r *PostgresRecorder) RecordPage(ctx context.Context, ev *PageEvent) (int64, error) {
	props, err := encodeProps(ev.Properties)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO zar.pages (vid, sid, cid, uid, host, ip, user_agent, referer, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		ev.VID, ev.SID, ev.CID, nullable(ev.UID), ev.Host, ev.IP, ev.UserAgent, ev.Referer, props,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert page event: %w", err)
	}
	return id, nil
}

func (r *PostgresRecorder) RecordTrack(ctx context.Context, ev *TrackEvent) (int64, error) {
	props, err := encodeProps(ev.Properties)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO zar.tracks (event, vid, sid, cid, uid, host, ip, user_agent, referer, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		ev.Event, ev.VID, ev.SID, ev.CID, nullable(ev.UID), ev.Host, ev.IP, ev.UserAgent, ev.Referer, props,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert track event: %w", err)
	}
	return id, nil
}

func (r *PostgresRecorder) RecordCall(ctx context.Context, ev *CallEvent) (int64, error) {
	numberCtx, err := encodeProps(ev.NumberContext)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO zar.track_calls (call_id, sid, call_from, call_to, number_context, from_route_cache)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		ev.CallID, nullable(ev.SID), ev.CallFrom, ev.CallTo, numberCtx, ev.FromRouteCache,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert call event: %w", err)
	}
	return id, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
