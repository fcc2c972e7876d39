package utils

import (
	"net/http"
	"strings"
)

// HeaderParams are the request headers recorded with every event. The
// service runs behind a proxy, so forwarded headers win over the direct ones.
type HeaderParams struct {
	Host      string
	IP        string
	UserAgent string
	Referer   string
}

// ExtractHeaderParams pulls the tracked header values out of a request
func ExtractHeaderParams(h http.Header) HeaderParams {
	host := h.Get("X-Forwarded-Host")
	if host == "" {
		host = h.Get("Host")
	}
	ip := firstNonEmpty(
		h.Get("X-Forwarded-For"),
		h.Get("X-Real-Ip"),
		h.Get("Forwarded"),
	)
	// X-Forwarded-For may carry the whole proxy chain
	if idx := strings.IndexByte(ip, ','); idx >= 0 {
		ip = strings.TrimSpace(ip[:idx])
	}
	return HeaderParams{
		Host:      host,
		IP:        ip,
		UserAgent: h.Get("User-Agent"),
		Referer:   h.Get("Referer"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
