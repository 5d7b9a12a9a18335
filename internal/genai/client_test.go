package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	path          string
	authorization string
	body          map[string]any
}

func newStubServer(t *testing.T, responses map[string]string, recorded *[]recordedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		*recorded = append(*recorded, recordedRequest{
			path:          r.URL.Path,
			authorization: r.Header.Get("Authorization"),
			body:          body,
		})
		response, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(response)) //nolint:errcheck
	}))
}

func chatResponseBody(content string) string {
	payload := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
	encoded, _ := json.Marshal(payload)
	return string(encoded)
}

func TestClassifySendsStyleHintInUserContentOnly(t *testing.T) {
	var recorded []recordedRequest
	server := newStubServer(t, map[string]string{
		"/chat/completions": chatResponseBody(" SAFE \n"),
	}, &recorded)
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "key-123"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	classification, err := client.Classify(context.Background(), "a cat", "watercolor")
	if err != nil {
		t.Fatalf("unexpected classify error: %v", err)
	}
	if classification != "SAFE" {
		t.Fatalf("expected trimmed classification, got %q", classification)
	}

	if len(recorded) != 1 {
		t.Fatalf("expected one request, got %d", len(recorded))
	}
	if recorded[0].authorization != "Bearer key-123" {
		t.Fatalf("expected bearer auth, got %q", recorded[0].authorization)
	}
	messages := recorded[0].body["messages"].([]any)
	system := messages[0].(map[string]any)
	user := messages[1].(map[string]any)
	if strings.Contains(system["content"].(string), "watercolor") {
		t.Fatal("style hint must never reach the system instruction")
	}
	if !strings.Contains(user["content"].(string), "watercolor") {
		t.Fatal("expected style hint inside the user content")
	}
}

func TestTransformPromptReturnsEmptyOnNoChoices(t *testing.T) {
	var recorded []recordedRequest
	server := newStubServer(t, map[string]string{
		"/chat/completions": `{"choices":[]}`,
	}, &recorded)
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	prompt, err := client.TransformPrompt(context.Background(), "a cat", "")
	if err != nil {
		t.Fatalf("unexpected transform error: %v", err)
	}
	if prompt != "" {
		t.Fatalf("expected empty prompt for empty choices, got %q", prompt)
	}
}

func TestSynthesizeImageBuildsDataURI(t *testing.T) {
	var recorded []recordedRequest
	server := newStubServer(t, map[string]string{
		"/images/generations": `{"data":[{"b64_json":"aW1n"}]}`,
	}, &recorded)
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	image, err := client.SynthesizeImage(context.Background(), "a cat in watercolor")
	if err != nil {
		t.Fatalf("unexpected synthesis error: %v", err)
	}
	if image != "data:image/png;base64,aW1n" {
		t.Fatalf("unexpected data uri %q", image)
	}
	if recorded[0].body["n"] != float64(1) {
		t.Fatalf("expected a single image request, got %v", recorded[0].body["n"])
	}
}

func TestSynthesizeImageRejectsEmptyPrompt(t *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	if _, err := client.SynthesizeImage(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestSynthesizeImageErrorsWithoutImageData(t *testing.T) {
	var recorded []recordedRequest
	server := newStubServer(t, map[string]string{
		"/images/generations": `{"data":[]}`,
	}, &recorded)
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	if _, err := client.SynthesizeImage(context.Background(), "a cat"); err == nil {
		t.Fatal("expected error when response carries no image data")
	}
}

func TestClientSurfacesUpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	if _, err := client.Classify(context.Background(), "a cat", ""); err == nil {
		t.Fatal("expected error on upstream failure status")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("expected configuration error without base url")
	}
}
