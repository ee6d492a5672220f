package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

var (
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0}, 32)...)
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	return f.token, f.err
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base := []Option{WithAPIBaseURL(srv.URL), WithDataBaseURL(srv.URL)}
	c, err := NewClient(&fakeTokens{token: "chan-token"}, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"events":[]}`)
	sig := Sign("secret", body)

	require.True(t, VerifySignature("secret", body, sig))
	require.False(t, VerifySignature("secret", []byte(`{"events":[{}]}`), sig), "tampered body")
	require.False(t, VerifySignature("other", body, sig), "wrong secret")
	require.False(t, VerifySignature("secret", body, "not base64!"))
	require.False(t, VerifySignature("secret", body, ""))
	require.False(t, VerifySignature("", body, sig))
}

func TestNewClient_NilTokens(t *testing.T) {
	_, err := NewClient(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestFetchImage_HappyPath(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write(pngBytes)
	})

	img, err := c.FetchImage(context.Background(), "12345")
	require.NoError(t, err)
	require.Equal(t, "image/png", img.MIMEType)
	require.Equal(t, pngBytes, img.Data)
	require.Equal(t, "/v2/bot/message/12345/content", gotPath)
	require.Equal(t, "Bearer chan-token", gotAuth)
}

func TestFetchImage_SniffsRatherThanTrustingHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(jpegBytes)
	})
	img, err := c.FetchImage(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", img.MIMEType)
}

func TestFetchImage_RejectsUnsupportedType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "%PDF-1.7 not an image")
	})
	_, err := c.FetchImage(context.Background(), "1")
	require.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestFetchImage_RejectsOversize(t *testing.T) {
	big := append(append([]byte(nil), pngBytes...), bytes.Repeat([]byte{1}, 100)...)
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(big)
	}, WithMaxImageBytes(64))
	_, err := c.FetchImage(context.Background(), "1")
	require.ErrorIs(t, err, ErrImageTooLarge)
}

func TestFetchImage_Errors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not found"}`)
	})
	_, err := c.FetchImage(context.Background(), "1")
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.HTTPStatusCode())

	_, err = c.FetchImage(context.Background(), " ")
	require.Error(t, err)

	tokErr := errors.New("ssm down")
	c.tokens = &fakeTokens{err: tokErr}
	_, err = c.FetchImage(context.Background(), "1")
	require.ErrorIs(t, err, tokErr)
}

func TestReply_SendsTextMessages(t *testing.T) {
	var got replyRequest
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{}`)
	})

	err := c.Reply(context.Background(), "rt-1", []string{"hello", " ", "world"})
	require.NoError(t, err)
	require.Equal(t, "/v2/bot/message/reply", gotPath)
	require.Equal(t, "rt-1", got.ReplyToken)
	require.Equal(t, []textMessage{{Type: "text", Text: "hello"}, {Type: "text", Text: "world"}}, got.Messages)
}

func TestReply_Validation(t *testing.T) {
	called := false
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) { called = true })
	require.Error(t, c.Reply(context.Background(), "", []string{"x"}))
	require.NoError(t, c.Reply(context.Background(), "rt", nil))
	require.False(t, called)
}

func TestPush_StatusError(t *testing.T) {
	var got pushRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	err := c.Push(context.Background(), "U1", []string{"hi"})
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Equal(t, "U1", got.To)
}

func TestToMessages_CapsCountAndLength(t *testing.T) {
	long := strings.Repeat("ข", maxTextRunes+10)
	msgs := toMessages([]string{long, "2", "3", "4", "5", "6"})
	require.Len(t, msgs, maxMessagesPerCall)
	require.Equal(t, maxTextRunes, utf8.RuneCountInString(msgs[0].Text))
}
