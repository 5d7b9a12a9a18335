package verify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newSiteverifyServer(t *testing.T, success bool, capture *map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if capture != nil {
			*capture = map[string]string{
				"secret":   r.PostFormValue("secret"),
				"response": r.PostFormValue("response"),
				"remoteip": r.PostFormValue("remoteip"),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if success {
			w.Write([]byte(`{"success":true}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`)) //nolint:errcheck
	}))
}

func TestVerifyPassesValidToken(t *testing.T) {
	var seen map[string]string
	server := newSiteverifyServer(t, true, &seen)
	defer server.Close()

	verifier, err := NewTokenVerifier(VerifierConfig{
		EndpointURL: server.URL,
		Secret:      "site-secret",
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	if err := verifier.Verify(context.Background(), "client-token", "203.0.113.7"); err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if seen["secret"] != "site-secret" || seen["response"] != "client-token" || seen["remoteip"] != "203.0.113.7" {
		t.Fatalf("unexpected form payload: %v", seen)
	}
}

func TestVerifyRejectsDeclinedToken(t *testing.T) {
	server := newSiteverifyServer(t, false, nil)
	defer server.Close()

	verifier, err := NewTokenVerifier(VerifierConfig{
		EndpointURL: server.URL,
		Secret:      "site-secret",
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	if err := verifier.Verify(context.Background(), "bad-token", ""); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected, got %v", err)
	}
}

func TestVerifyRequiresTokenWhenEnabled(t *testing.T) {
	server := newSiteverifyServer(t, true, nil)
	defer server.Close()

	verifier, err := NewTokenVerifier(VerifierConfig{
		EndpointURL: server.URL,
		Secret:      "site-secret",
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	if err := verifier.Verify(context.Background(), "   ", ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifyDisabledWithoutSecret(t *testing.T) {
	verifier, err := NewTokenVerifier(VerifierConfig{
		EndpointURL: "http://127.0.0.1:1/siteverify",
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	// The endpoint is unreachable on purpose: without a secret no request
	// is made and every token passes.
	if err := verifier.Verify(context.Background(), "", ""); err != nil {
		t.Fatalf("expected disabled check to pass, got %v", err)
	}
}

func TestVerifySurfacesServiceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	verifier, err := NewTokenVerifier(VerifierConfig{
		EndpointURL: server.URL,
		Secret:      "site-secret",
	})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	if err := verifier.Verify(context.Background(), "client-token", ""); err == nil {
		t.Fatal("expected error on non-200 service response")
	}
}

func TestNewTokenVerifierRequiresEndpoint(t *testing.T) {
	if _, err := NewTokenVerifier(VerifierConfig{}); err == nil {
		t.Fatal("expected configuration error without endpoint")
	}
}
