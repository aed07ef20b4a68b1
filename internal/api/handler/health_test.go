package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadiness(t *testing.T) {
	cases := []struct {
		name   string
		db     Pinger
		status int
		state  string
	}{
		{name: "no_dependencies", status: http.StatusOK, state: "ready"},
		{name: "database_up", db: pingFunc(func(context.Context) error { return nil }), status: http.StatusOK, state: "ready"},
		{
			name:   "database_down",
			db:     pingFunc(func(context.Context) error { return errors.New("connection refused") }),
			status: http.StatusServiceUnavailable,
			state:  "unavailable",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandler(tc.db, nil)
			w := httptest.NewRecorder()
			h.Ready(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			require.Equal(t, tc.status, w.Code)
			var body struct {
				Status string                 `json:"status"`
				Checks map[string]checkResult `json:"checks"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.state, body.Status)
			if tc.db == nil {
				assert.Empty(t, body.Checks)
				return
			}
			assert.Contains(t, body.Checks, "postgres")
			if tc.status != http.StatusOK {
				assert.Equal(t, "down", body.Checks["postgres"].Status)
				assert.Equal(t, "connection refused", body.Checks["postgres"].Error)
			}
		})
	}
}

func TestLiveness(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(nil, nil).Live(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
