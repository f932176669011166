package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteRateLimitMiddleware(t *testing.T) {
	handler := WriteRateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	doRequest := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/challenges", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	ip := "203.0.113.7"
	for i := 0; i < writeLimits.burst; i++ {
		if code := doRequest(ip); code != http.StatusCreated {
			t.Fatalf("request %d within the burst got %d, want 201", i+1, code)
		}
	}

	if code := doRequest(ip); code != http.StatusTooManyRequests {
		t.Errorf("request beyond the burst got %d, want 429", code)
	}

	// Budgets are per IP; another address is unaffected.
	if code := doRequest("203.0.113.8"); code != http.StatusCreated {
		t.Errorf("different IP got %d, want 201", code)
	}

	// The tighter write class does not consume the general API budget.
	general := RateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/challenges/active", nil)
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	general.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("general class got %d after write exhaustion, want 200", rec.Code)
	}
}
