// Package verify implements the remote liveness judgment call against an
// OpenAI-compatible multimodal chat-completions endpoint.
//
// The call is deliberately single-shot: no retries and no client-imposed
// timeout. A failed or unparseable response ends the attempt with
// liveness.ErrServiceUnavailable; the caller decides what to do next.
package verify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/livegate/internal/liveness"
)

const defaultModel = "gpt-4o"

// Config wires an OpenAIClient.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIClient is a liveness.VerificationClient over the chat-completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		// No Timeout on purpose: the transport default applies and the
		// session never retries a verification call.
		httpClient: &http.Client{},
		logger:     logger.Named("verify"),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *chatRespFmt  `json:"response_format,omitempty"`
}

type chatRespFmt struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// verdictPayload mirrors the structured-output contract: exactly three
// required fields. Pointers distinguish absent from zero-valued.
type verdictPayload struct {
	IsLive     *bool    `json:"isLive"`
	Confidence *float64 `json:"confidence"`
	Reasoning  *string  `json:"reasoning"`
}

// Verify implements liveness.VerificationClient.
func (c *OpenAIClient) Verify(ctx context.Context, image liveness.EncodedImage, sample liveness.SensorSample, challenge liveness.Challenge) (liveness.Verdict, error) {
	mime := image.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image.Data))

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: buildPrompt(sample, challenge)},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
				},
			},
		},
		ResponseFormat: &chatRespFmt{Type: "json_object"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return liveness.Verdict{}, fmt.Errorf("%w: marshal request: %v", liveness.ErrServiceUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return liveness.Verdict{}, fmt.Errorf("%w: create request: %v", liveness.ErrServiceUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return liveness.Verdict{}, fmt.Errorf("%w: %v", liveness.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return liveness.Verdict{}, fmt.Errorf("%w: read response: %v", liveness.ErrServiceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("verification endpoint returned non-200",
			zap.Int("status", resp.StatusCode))
		return liveness.Verdict{}, fmt.Errorf("%w: status %d", liveness.ErrServiceUnavailable, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return liveness.Verdict{}, fmt.Errorf("%w: unmarshal response: %v", liveness.ErrServiceUnavailable, err)
	}
	if parsed.Error != nil {
		return liveness.Verdict{}, fmt.Errorf("%w: api error: %s", liveness.ErrServiceUnavailable, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return liveness.Verdict{}, fmt.Errorf("%w: empty choices", liveness.ErrServiceUnavailable)
	}

	verdict, err := parseVerdict(parsed.Choices[0].Message.Content)
	if err != nil {
		return liveness.Verdict{}, err
	}
	return verdict, nil
}

// parseVerdict decodes the model content into a verdict. A response missing
// any required field is a service failure, never a partial verdict.
func parseVerdict(content string) (liveness.Verdict, error) {
	var payload verdictPayload
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &payload); err != nil {
		return liveness.Verdict{}, fmt.Errorf("%w: unparseable verdict: %v", liveness.ErrServiceUnavailable, err)
	}
	if payload.IsLive == nil || payload.Confidence == nil || payload.Reasoning == nil {
		return liveness.Verdict{}, fmt.Errorf("%w: verdict missing required fields", liveness.ErrServiceUnavailable)
	}
	return liveness.Verdict{
		IsLive:     *payload.IsLive,
		Confidence: *payload.Confidence,
		Reasoning:  *payload.Reasoning,
	}, nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models insist on
// even in JSON response mode.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func buildPrompt(sample liveness.SensorSample, challenge liveness.Challenge) string {
	var b strings.Builder
	b.WriteString("You are a liveness detection judge for an identity check.\n")
	b.WriteString("The user was shown this instruction: ")
	b.WriteString(challenge.Instruction)
	b.WriteString("\nThe expected physical movement is: ")
	b.WriteString(string(challenge.ExpectedMovement))
	b.WriteString("\nDevice orientation at capture time (degrees):\n")
	fmt.Fprintf(&b, "  yaw: %s\n", formatReading(sample.Yaw))
	fmt.Fprintf(&b, "  tilt: %s\n", formatReading(sample.Tilt))
	fmt.Fprintf(&b, "  roll: %s\n", formatReading(sample.Roll))
	b.WriteString("Given the attached camera frame and the sensor readings, judge whether the image shows a live person who plausibly performed the requested motion, rather than a photo, screen replay, or mask.\n")
	b.WriteString(`Answer with a JSON object containing exactly these fields: {"isLive": boolean, "confidence": number between 0 and 1, "reasoning": string}.`)
	return b.String()
}

func formatReading(v *float64) string {
	if v == nil {
		return "not reported"
	}
	return fmt.Sprintf("%.2f", *v)
}
