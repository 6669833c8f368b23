package signalboxsdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.RequestURI()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"tk1","status":"rejected","recommendation":{"id":"r1","action":"hold","train":"T2","block":"B1"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	tk, err := c.Reject(context.Background(), "tk1", "unsafe")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPath != "/v1/approvals/tk1/reject" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody != "{\"comment\":\"unsafe\"}\n" {
		t.Fatalf("unexpected body %q", gotBody)
	}
	if tk.Status != "rejected" || tk.Recommendation.Block != "B1" {
		t.Fatalf("unexpected ticket %+v", tk)
	}
}

func TestClientQueryAndErrorEnvelope(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"invalid_transition","message":"ticket tk1: cannot accept from rejected"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Tickets(context.Background(), 5, "pending", "awaiting_supervisor")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if gotPath != "/v1/tickets?limit=5&status=pending%2Cawaiting_supervisor" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}
