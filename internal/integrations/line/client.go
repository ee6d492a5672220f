package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const (
	DefaultAPIBaseURL    = "https://api.line.me"
	DefaultDataBaseURL   = "https://api-data.line.me"
	DefaultMaxImageBytes = 5 << 20

	// LINE accepts at most five messages per call and 5000 characters per text.
	maxMessagesPerCall = 5
	maxTextRunes       = 5000
	maxErrorBody       = 4096
)

var (
	ErrImageTooLarge    = errors.New("line: image exceeds size limit")
	ErrUnsupportedImage = errors.New("line: unsupported image type")
)

var supportedImageTypes = []string{"image/jpeg", "image/png", "image/webp"}

// TokenProvider yields the channel access token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Image is downloaded message content with its sniffed MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// HTTPStatusError captures non-2xx responses from the Messaging API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("line: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// VerifySignature checks the X-Line-Signature header: base64 of the
// HMAC-SHA256 of the raw body keyed with the channel secret.
func VerifySignature(channelSecret string, body []byte, signature string) bool {
	if channelSecret == "" || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature LINE would send for body.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Client talks to the LINE Messaging API.
type Client struct {
	apiBaseURL    string
	dataBaseURL   string
	httpClient    *http.Client
	tokens        TokenProvider
	maxImageBytes int64
}

type Option func(*Client)

func WithAPIBaseURL(u string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(u); s != "" {
			c.apiBaseURL = strings.TrimRight(s, "/")
		}
	}
}

func WithDataBaseURL(u string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(u); s != "" {
			c.dataBaseURL = strings.TrimRight(s, "/")
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

func WithMaxImageBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxImageBytes = n
		}
	}
}

func NewClient(tokens TokenProvider, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("line: token provider must not be nil")
	}
	c := &Client{
		apiBaseURL:    DefaultAPIBaseURL,
		dataBaseURL:   DefaultDataBaseURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		tokens:        tokens,
		maxImageBytes: DefaultMaxImageBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchImage downloads the content of an image message.
func (c *Client) FetchImage(ctx context.Context, messageID string) (Image, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Image{}, errors.New("line: message id is required")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Image{}, fmt.Errorf("line: FetchImage token: %w", err)
	}

	u := c.dataBaseURL + "/v2/bot/message/" + url.PathEscape(messageID) + "/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Image{}, fmt.Errorf("line: FetchImage create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("line: FetchImage: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res, u); err != nil {
		return Image{}, fmt.Errorf("line: FetchImage: %w", err)
	}
	if res.ContentLength > c.maxImageBytes {
		return Image{}, ErrImageTooLarge
	}

	// Read one byte past the limit to detect oversize bodies without a length header.
	data, err := io.ReadAll(io.LimitReader(res.Body, c.maxImageBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("line: FetchImage read body: %w", err)
	}
	if int64(len(data)) > c.maxImageBytes {
		return Image{}, ErrImageTooLarge
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), supportedImageTypes...) {
		return Image{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
	}
	return Image{Data: data, MIMEType: mt.String()}, nil
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

// Reply answers an event using its one-shot reply token.
func (c *Client) Reply(ctx context.Context, replyToken string, texts []string) error {
	if strings.TrimSpace(replyToken) == "" {
		return errors.New("line: reply token is required")
	}
	msgs := toMessages(texts)
	if len(msgs) == 0 {
		return nil
	}
	if err := c.postJSON(ctx, "/v2/bot/message/reply", replyRequest{ReplyToken: replyToken, Messages: msgs}); err != nil {
		return fmt.Errorf("line: Reply: %w", err)
	}
	return nil
}

// Push sends messages to a user without a reply token.
func (c *Client) Push(ctx context.Context, to string, texts []string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("line: push recipient is required")
	}
	msgs := toMessages(texts)
	if len(msgs) == 0 {
		return nil
	}
	if err := c.postJSON(ctx, "/v2/bot/message/push", pushRequest{To: to, Messages: msgs}); err != nil {
		return fmt.Errorf("line: Push: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	u := c.apiBaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res, u); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
	return nil
}

func checkStatus(res *http.Response, u string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
}

func toMessages(texts []string) []textMessage {
	msgs := make([]textMessage, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		msgs = append(msgs, textMessage{Type: "text", Text: truncateRunes(t, maxTextRunes)})
		if len(msgs) == maxMessagesPerCall {
			break
		}
	}
	return msgs
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
