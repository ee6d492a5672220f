package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"plant-doctor/internal/domain"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash-lite"

	maxErrorBody    = 4096
	maxResponseBody = 1 << 20
)

var codeFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// TokenProvider yields the API key. *paramstore.TokenSource satisfies it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Request is one image to classify plus the farmer's hints.
type Request struct {
	Image     []byte
	MIMEType  string
	PlantType string
	Region    string
}

// ClassificationError reports a failed classification and whether trying the
// same request again may succeed.
type ClassificationError struct {
	Retryable bool
	Reason    string
	Err       error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gemini: %s: %v", e.Reason, e.Err)
	}
	return "gemini: " + e.Reason
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

func transient(reason string, err error) error {
	return &ClassificationError{Retryable: true, Reason: reason, Err: err}
}

func terminal(reason string, err error) error {
	return &ClassificationError{Retryable: false, Reason: reason, Err: err}
}

// IsRetryable reports whether err is a ClassificationError marked retryable.
func IsRetryable(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce) && ce.Retryable
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Gemini generateContent endpoint.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	tokens     TokenProvider
	limiter    *rate.Limiter
	validate   *validator.Validate
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(baseURL); s != "" {
			c.baseURL = strings.TrimRight(s, "/")
		}
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(model); s != "" {
			c.model = s
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRateLimiter throttles outbound calls. Callers wait for a token before
// each request.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

func NewClient(tokens TokenProvider, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("gemini: token provider must not be nil")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		validate:   validator.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint() string {
	return c.baseURL + "/models/" + c.model + ":generateContent"
}

// Classify sends one request. It does not retry; every error it returns is a
// *ClassificationError.
func (c *Client) Classify(ctx context.Context, req Request) (domain.DiagnosisResult, error) {
	if len(req.Image) == 0 {
		return domain.DiagnosisResult{}, terminal("empty image", nil)
	}
	if strings.TrimSpace(req.MIMEType) == "" {
		req.MIMEType = "image/jpeg"
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.DiagnosisResult{}, terminal("rate limiter wait", err)
		}
	}

	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return domain.DiagnosisResult{}, transient("resolve api key", err)
	}

	body, err := json.Marshal(newGenerateRequest(req))
	if err != nil {
		return domain.DiagnosisResult{}, terminal("marshal request", err)
	}

	url := c.endpoint()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DiagnosisResult{}, terminal("create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			if retryableStatus(statusErr.StatusCode) {
				return domain.DiagnosisResult{}, transient("upstream status", err)
			}
			return domain.DiagnosisResult{}, terminal("upstream status", err)
		}
		if ctx.Err() != nil {
			return domain.DiagnosisResult{}, terminal("request cancelled", err)
		}
		return domain.DiagnosisResult{}, transient("request failed", err)
	}

	var payload generateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.DiagnosisResult{}, transient("decode response", err)
	}
	if payload.PromptFeedback.BlockReason != "" {
		return domain.DiagnosisResult{}, terminal("prompt blocked: "+payload.PromptFeedback.BlockReason, nil)
	}
	text := payload.text()
	if strings.TrimSpace(text) == "" {
		return domain.DiagnosisResult{}, transient("empty response", nil)
	}
	return c.parseResult(text)
}

func (c *Client) parseResult(text string) (domain.DiagnosisResult, error) {
	text = stripCodeFence(text)
	var result domain.DiagnosisResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return domain.DiagnosisResult{}, transient("invalid JSON in model output", err)
	}
	// A result with an error marker carries no diagnosis to validate.
	if result.Error != "" {
		return result, nil
	}
	if err := c.validate.Struct(result); err != nil {
		return domain.DiagnosisResult{}, terminal("model output failed validation", err)
	}
	return result, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	TopK             int     `json:"topK"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	SystemInstruction content          `json:"systemInstruction"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SafetySettings    []safetySetting  `json:"safetySettings"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Lesion photos trip the default harm filters, so they are all disabled.
var safetyOff = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
}

func newGenerateRequest(req Request) generateRequest {
	return generateRequest{
		SystemInstruction: content{Parts: []part{{Text: systemInstruction}}},
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: buildUserPrompt(req.PlantType, req.Region)},
				{InlineData: &inlineData{
					MIMEType: req.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:      0.3,
			TopP:             0.8,
			TopK:             40,
			MaxOutputTokens:  4096,
			ResponseMIMEType: "application/json",
		},
		SafetySettings: safetyOff,
	}
}
