package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantCredits string
	}{
		{name: "explicit origin", allowed: []string{"http://ui.local"}, origin: "http://ui.local", wantStatus: http.StatusTeapot, wantOrigin: "http://ui.local", wantCredits: "true"},
		{name: "wildcard has no credentials", allowed: []string{"*"}, origin: "http://x", wantStatus: http.StatusTeapot, wantOrigin: "http://x"},
		{name: "unknown origin", allowed: []string{"http://ui.local"}, origin: "http://evil", wantStatus: http.StatusTeapot},
		{name: "preflight", allowed: []string{"*"}, origin: "http://x", preflight: true, wantStatus: http.StatusNoContent, wantOrigin: "http://x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			if tt.preflight {
				method = http.MethodOptions
			}
			req := httptest.NewRequest(method, "/api/status", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredits, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
