package verify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/livegate/internal/liveness"
)

func chatContentResponse(content string) string {
	payload := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	out, _ := json.Marshal(payload)
	return string(out)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*OpenAIClient, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	client := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: ts.URL, Model: "gpt-4o"}, nil)
	return client, ts
}

func testEvidence() (liveness.EncodedImage, liveness.SensorSample, liveness.Challenge) {
	yaw := 12.5
	img := liveness.EncodedImage{Data: []byte("fake-jpeg"), MIMEType: "image/jpeg"}
	sample := liveness.SensorSample{Yaw: &yaw}
	challenge := liveness.Challenge{
		ID:               "tilt-up",
		Instruction:      "Slowly tilt your head up",
		ExpectedMovement: liveness.MovementTiltUp,
	}
	return img, sample, challenge
}

func TestVerifyParsesStructuredVerdict(t *testing.T) {
	var gotBody []byte
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatContentResponse(`{"isLive":true,"confidence":0.92,"reasoning":"synchronized motion"}`)))
	})

	img, sample, challenge := testEvidence()
	verdict, err := client.Verify(context.Background(), img, sample, challenge)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !verdict.IsLive || verdict.Confidence != 0.92 || verdict.Reasoning != "synchronized motion" {
		t.Fatalf("verdict = %+v", verdict)
	}

	request := string(gotBody)
	if !strings.Contains(request, "data:image/jpeg;base64,") {
		t.Fatalf("request missing image data URI")
	}
	if !strings.Contains(request, "Slowly tilt your head up") {
		t.Fatalf("request missing challenge instruction")
	}
	if !strings.Contains(request, "tilt_up") {
		t.Fatalf("request missing expected movement")
	}
	if !strings.Contains(request, "12.50") {
		t.Fatalf("request missing yaw reading")
	}
	if !strings.Contains(request, "not reported") {
		t.Fatalf("request should mark absent readings as not reported")
	}
}

func TestVerifyAcceptsFencedJSON(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		content := "```json\n{\"isLive\":false,\"confidence\":0.3,\"reasoning\":\"no depth detected\"}\n```"
		_, _ = w.Write([]byte(chatContentResponse(content)))
	})

	img, sample, challenge := testEvidence()
	verdict, err := client.Verify(context.Background(), img, sample, challenge)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if verdict.IsLive || verdict.Reasoning != "no depth detected" {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestVerifyIgnoresExtraFields(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatContentResponse(`{"isLive":true,"confidence":0.7,"reasoning":"ok","model_notes":"ignored"}`)))
	})

	img, sample, challenge := testEvidence()
	verdict, err := client.Verify(context.Background(), img, sample, challenge)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !verdict.IsLive {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestVerifyMissingRequiredFieldIsServiceFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatContentResponse(`{"isLive":true,"confidence":0.9}`)))
	})

	img, sample, challenge := testEvidence()
	_, err := client.Verify(context.Background(), img, sample, challenge)
	if !errors.Is(err, liveness.ErrServiceUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrServiceUnavailable", err)
	}
}

func TestVerifyUnparseableContentIsServiceFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatContentResponse("I think the person looks alive.")))
	})

	img, sample, challenge := testEvidence()
	_, err := client.Verify(context.Background(), img, sample, challenge)
	if !errors.Is(err, liveness.ErrServiceUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrServiceUnavailable", err)
	}
}

func TestVerifyNon200IsServiceFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	img, sample, challenge := testEvidence()
	_, err := client.Verify(context.Background(), img, sample, challenge)
	if !errors.Is(err, liveness.ErrServiceUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrServiceUnavailable", err)
	}
}

func TestVerifyAPIErrorEnvelopeIsServiceFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	})

	img, sample, challenge := testEvidence()
	_, err := client.Verify(context.Background(), img, sample, challenge)
	if !errors.Is(err, liveness.ErrServiceUnavailable) {
		t.Fatalf("Verify() error = %v, want ErrServiceUnavailable", err)
	}
}
