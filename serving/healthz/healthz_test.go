package healthz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandler(t *testing.T) {
	testCases := []struct {
		desc       string
		checks     map[string]CheckFunc
		wantStatus int
	}{
		{
			desc:       "no checks",
			wantStatus: http.StatusOK,
		},
		{
			desc: "passing check",
			checks: map[string]CheckFunc{
				"store": func(ctx context.Context) error { return nil },
			},
			wantStatus: http.StatusOK,
		},
		{
			desc: "failing check",
			checks: map[string]CheckFunc{
				"store": func(ctx context.Context) error { return nil },
				"mail":  func(ctx context.Context) error { return errors.New("down") },
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			h := New()
			for name, check := range tc.checks {
				h.WithCheck(name, check)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("Status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
