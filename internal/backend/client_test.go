package backend_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatclient/internal/backend"
	"chatclient/internal/chat"
)

func TestGenerateStreamsBody(t *testing.T) {
	var gotAuth string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("data:{\"type\":\"text-delta\",\"delta\":\"hi\"}\n"))
	}))
	defer srv.Close()

	client := backend.NewClient(srv.URL, backend.WithTokenSource(backend.StaticToken("sekret")))

	body, err := client.Generate(context.Background(), backend.GenerateRequest{
		Messages:       []chat.Message{{ID: "msg_1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hello")}}},
		ConversationID: "conv_1",
		Model:          "m1",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	defer body.Close()

	raw, _ := io.ReadAll(body)
	if !strings.Contains(string(raw), "text-delta") {
		t.Errorf("body not passed through: %q", raw)
	}
	if gotAuth != "Bearer sekret" {
		t.Errorf("missing bearer credential, got %q", gotAuth)
	}
	if !strings.Contains(string(gotBody), `"conversationId":"conv_1"`) {
		t.Errorf("request body missing conversation id: %s", gotBody)
	}
}

func TestGenerateSurfacesErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"code":"credits-depleted","error":"payment required","details":"You are out of credits."}`))
	}))
	defer srv.Close()

	client := backend.NewClient(srv.URL)

	_, err := client.Generate(context.Background(), backend.GenerateRequest{Model: "m1"})
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != backend.CodeCreditsDepleted {
		t.Errorf("code = %q", apiErr.Code)
	}
	if apiErr.Error() != "You are out of credits." {
		t.Errorf("details must surface verbatim, got %q", apiErr.Error())
	}
	if !backend.Is(err, backend.CodeCreditsDepleted) {
		t.Error("Is() should match the code")
	}
}

func TestGenerateUnknownCodeIsGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := backend.NewClient(srv.URL)

	_, err := client.Generate(context.Background(), backend.GenerateRequest{})
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "" {
		t.Errorf("expected empty code, got %q", apiErr.Code)
	}
	if apiErr.Status != http.StatusTeapot {
		t.Errorf("status = %d", apiErr.Status)
	}
}

func TestGenerateTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/title" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"title":"  Greetings  "}`))
	}))
	defer srv.Close()

	client := backend.NewClient(srv.URL)

	title, err := client.GenerateTitle(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("GenerateTitle() error = %v", err)
	}
	if title != "Greetings" {
		t.Errorf("title = %q", title)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	if err := backend.NewClient(srv.URL).Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
}
