package explorer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestTransactionFound(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/at1abc" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"at1abc","status":"finalized","blockHeight":42}`))
	})

	tx, err := c.Transaction(context.Background(), "at1abc")
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if tx.Status != "finalized" || tx.BlockHeight != 42 {
		t.Fatalf("tx = %+v", tx)
	}
}

func TestTransactionNotFound(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.Transaction(context.Background(), "at1missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmed(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"finalized", 200, `{"status":"finalized"}`, true},
		{"indexed without status", 200, `{}`, true},
		{"rejected", 200, `{"status":"rejected"}`, false},
		{"not indexed", 404, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			got, err := c.Confirmed(context.Background(), "at1x")
			if err != nil {
				t.Fatalf("Confirmed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Confirmed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.Confirmed(context.Background(), "at1x"); err == nil {
		t.Fatalf("expected error on 502")
	}
}
