package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEndpointPostJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected headers: %v", r.Header)
		}
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"answer":"42"}`))
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(" slow down \n"))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer ts.Close()

	ep := NewEndpoint("acme", ts.URL+"/", time.Second)
	ep.Header.Set("Authorization", "Bearer k")

	var out struct {
		Answer string `json:"answer"`
	}
	if err := ep.PostJSON(context.Background(), "/ok", map[string]string{"q": "?"}, &out); err != nil || out.Answer != "42" {
		t.Fatalf("unexpected result %+v err=%v", out, err)
	}

	err := ep.PostJSON(context.Background(), "/limited", nil, &out)
	var classified *Error
	if !errors.As(err, &classified) || classified.Class != ClassRateLimited || classified.Message != "slow down" {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if classified.Provider != "acme" || classified.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected error fields: %+v", classified)
	}

	if err := ep.PostJSON(context.Background(), "/garbage", nil, &out); err == nil || ClassOf(err).Retryable() {
		t.Fatalf("decode failure should be a non-retryable error, got %v", err)
	}
}
