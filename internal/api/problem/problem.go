// Package problem renders RFC 7807 problem details.
package problem

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	contentType = "application/problem+json"
	baseTypeURL = "https://errors.dispatch-ledger.dev/"
)

// Details is the problem+json body. Code repeats the type slug so clients can
// switch on it without parsing URLs.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Type builds an absolute problem type from a slug such as "dispatch/order-refunded".
func Type(slug string) string {
	return baseTypeURL + strings.TrimPrefix(slug, "/")
}

// Slug is the inverse of Type. Foreign type URIs are returned unchanged.
func Slug(problemType string) string {
	return strings.TrimPrefix(problemType, baseTypeURL)
}

// Write sends a problem response. An empty title falls back to the status text.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	d := Details{
		Type:   problemType,
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if d.Title == "" {
		d.Title = http.StatusText(status)
	}
	if d.Type == "" {
		d.Type = "about:blank"
	}
	if strings.HasPrefix(d.Type, baseTypeURL) {
		d.Code = Slug(d.Type)
	}
	if r != nil {
		d.Instance = r.URL.Path
		d.RequestID = r.Header.Get("X-Trace-ID")
	}
	if d.RequestID == "" {
		d.RequestID = w.Header().Get("X-Trace-ID")
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}
