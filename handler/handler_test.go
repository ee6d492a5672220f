package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"plant-doctor/internal/domain"
	"plant-doctor/internal/integrations/line"
	"plant-doctor/internal/integrations/paramstore"
	"plant-doctor/internal/usecase"
)

const testSecret = "channel-secret"

type call struct {
	kind  string
	user  string
	value string
}

type stubUseCase struct {
	mu     sync.Mutex
	calls  []call
	intent domain.Intent
	err    error
	// interim, when set, is passed to the text Ack before answering.
	interim *domain.Intent
}

func (s *stubUseCase) record(c call) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return s.intent, s.err
}

func (s *stubUseCase) HandleImage(_ context.Context, in usecase.ImageInput) (domain.Intent, error) {
	return s.record(call{kind: "image", user: in.UserID, value: in.MessageID})
}

func (s *stubUseCase) HandleText(ctx context.Context, in usecase.TextInput) (domain.Intent, error) {
	if s.interim != nil && in.Ack != nil {
		in.Ack(ctx, *s.interim)
	}
	return s.record(call{kind: "text", user: in.UserID, value: in.Text})
}

func (s *stubUseCase) HandleReset(_ context.Context, userID string) (domain.Intent, error) {
	return s.record(call{kind: "reset", user: userID})
}

func (s *stubUseCase) ShowDiagnosis(_ context.Context, userID string) (domain.Intent, error) {
	return s.record(call{kind: "show_diagnosis", user: userID})
}

func (s *stubUseCase) ShowTreatment(_ context.Context, userID string) (domain.Intent, error) {
	return s.record(call{kind: "show_treatment", user: userID})
}

func (s *stubUseCase) callsFor(user string) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.calls {
		if c.user == user {
			out = append(out, c)
		}
	}
	return out
}

type fakeMessenger struct {
	mu      sync.Mutex
	replies map[string][]string
	pushes  map[string][][]string
	err     error
	pushErr error
}

func (f *fakeMessenger) Reply(_ context.Context, replyToken string, texts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = map[string][]string{}
	}
	f.replies[replyToken] = texts
	return f.err
}

func (f *fakeMessenger) Push(_ context.Context, userID string, texts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushes == nil {
		f.pushes = map[string][][]string{}
	}
	f.pushes[userID] = append(f.pushes[userID], texts)
	return f.pushErr
}

type failingSecret struct{}

func (failingSecret) Token(context.Context) (string, error) {
	return "", errors.New("ssm down")
}

func newTestHandler(t *testing.T, uc *stubUseCase) (*Handler, *fakeMessenger) {
	t.Helper()
	r := &fakeMessenger{}
	h, err := NewHandler(uc, r, paramstore.StaticToken(testSecret))
	require.NoError(t, err)
	return h, r
}

func signedEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/webhook",
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"x-line-signature": line.Sign(testSecret, []byte(body)),
		},
		Body: body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func textEvent(user, token, text string) string {
	return `{"type":"message","replyToken":"` + token + `","source":{"type":"user","userId":"` + user +
		`"},"message":{"id":"m-` + token + `","type":"text","text":"` + text + `"}}`
}

func webhook(evs ...string) string {
	return `{"destination":"U0","events":[` + strings.Join(evs, ",") + `]}`
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &fakeMessenger{}, paramstore.StaticToken("s"))
	require.Error(t, err)
	_, err = NewHandler(&stubUseCase{}, nil, paramstore.StaticToken("s"))
	require.Error(t, err)
	_, err = NewHandler(&stubUseCase{}, &fakeMessenger{}, nil)
	require.Error(t, err)
}

func TestHandle_TextMessageRepliesWithRenderedIntent(t *testing.T) {
	uc := &stubUseCase{intent: domain.Intent{Kind: domain.IntentAskMetadata, Missing: []domain.MetadataField{domain.FieldRegion}}}
	h, r := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), signedEvent(webhook(textEvent("U1", "tok-1", "rice"))))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, "ok", parseBody[statusResponse](t, resp.Body).Status)

	require.Equal(t, []call{{kind: "text", user: "U1", value: "rice"}}, uc.callsFor("U1"))
	require.Equal(t, []string{msgAskRegion}, r.replies["tok-1"])
}

func TestHandle_ImagePostbackAndFollowEvents(t *testing.T) {
	uc := &stubUseCase{intent: domain.Intent{Kind: domain.IntentAskImage}}
	h, r := newTestHandler(t, uc)

	body := webhook(
		`{"type":"message","replyToken":"t1","source":{"userId":"U1"},"message":{"id":"IMG-9","type":"image"}}`,
		`{"type":"postback","replyToken":"t2","source":{"userId":"U1"},"postback":{"data":"action=new_diagnosis"}}`,
		`{"type":"postback","replyToken":"t3","source":{"userId":"U1"},"postback":{"data":"action=share"}}`,
		`{"type":"follow","replyToken":"t4","source":{"userId":"U1"}}`,
		`{"type":"unfollow","source":{"userId":"U1"}}`,
	)
	resp, err := h.Handle(context.Background(), signedEvent(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, []call{
		{kind: "image", user: "U1", value: "IMG-9"},
		{kind: "reset", user: "U1"},
	}, uc.callsFor("U1"))
	require.Contains(t, r.replies, "t1")
	require.Contains(t, r.replies, "t2")
	require.NotContains(t, r.replies, "t3")
	require.Equal(t, []string{msgWelcome}, r.replies["t4"])
}

func TestHandle_KeepsPerUserOrder(t *testing.T) {
	uc := &stubUseCase{intent: domain.Intent{Kind: domain.IntentPleaseWait}}
	h, _ := newTestHandler(t, uc)

	body := webhook(
		textEvent("A", "a1", "one"),
		textEvent("B", "b1", "uno"),
		textEvent("A", "a2", "two"),
		textEvent("B", "b2", "dos"),
		textEvent("A", "a3", "three"),
	)
	resp, err := h.Handle(context.Background(), signedEvent(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	values := func(cs []call) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.value)
		}
		return out
	}
	require.Equal(t, []string{"one", "two", "three"}, values(uc.callsFor("A")))
	require.Equal(t, []string{"uno", "dos"}, values(uc.callsFor("B")))
}

func TestHandle_UseCaseErrorBecomesSafeReply(t *testing.T) {
	uc := &stubUseCase{err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "hourly_limit", Err: errors.New("secret detail")}}
	h, r := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), signedEvent(webhook(textEvent("U1", "tok", "rice"))))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{msgRateLimited}, r.replies["tok"])
	require.NotContains(t, strings.Join(r.replies["tok"], " "), "secret detail")
}

func TestHandle_ReplyFailureStillAcknowledges(t *testing.T) {
	uc := &stubUseCase{intent: domain.Intent{Kind: domain.IntentAskImage}}
	h, r := newTestHandler(t, uc)
	r.err = errors.New("line down")

	resp, err := h.Handle(context.Background(), signedEvent(webhook(textEvent("U1", "tok", "hi"))))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_IgnoresEventsWithoutUser(t *testing.T) {
	uc := &stubUseCase{intent: domain.Intent{Kind: domain.IntentAskImage}}
	h, r := newTestHandler(t, uc)

	body := webhook(`{"type":"message","replyToken":"t","source":{"type":"group"},"message":{"id":"1","type":"text","text":"hi"}}`)
	resp, err := h.Handle(context.Background(), signedEvent(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, uc.calls)
	require.Empty(t, r.replies)
}

func TestHandle_RejectsBadRequests(t *testing.T) {
	t.Run("method", func(t *testing.T) {
		h, _ := newTestHandler(t, &stubUseCase{})
		ev := signedEvent(webhook())
		ev.HTTPMethod = http.MethodGet
		resp, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("bad signature", func(t *testing.T) {
		uc := &stubUseCase{}
		h, _ := newTestHandler(t, uc)
		ev := signedEvent(webhook(textEvent("U1", "tok", "hi")))
		ev.Headers["x-line-signature"] = line.Sign("other-secret", []byte(ev.Body))
		resp, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "INVALID_SIGNATURE", parseBody[errorResponse](t, resp.Body).Error)
		require.Empty(t, uc.calls)
	})

	t.Run("missing signature", func(t *testing.T) {
		h, _ := newTestHandler(t, &stubUseCase{})
		ev := signedEvent(webhook())
		delete(ev.Headers, "x-line-signature")
		resp, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not json", func(t *testing.T) {
		h, _ := newTestHandler(t, &stubUseCase{})
		resp, err := h.Handle(context.Background(), signedEvent(`not-json`))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, string(usecase.ErrorInvalidInput), parseBody[errorResponse](t, resp.Body).Error)
	})

	t.Run("invalid event", func(t *testing.T) {
		h, _ := newTestHandler(t, &stubUseCase{})
		body := webhook(`{"type":"message","source":{"userId":"U1"},"message":{"type":"text","text":"no id"}}`)
		resp, err := h.Handle(context.Background(), signedEvent(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("secret unavailable", func(t *testing.T) {
		h, err := NewHandler(&stubUseCase{}, &fakeMessenger{}, failingSecret{})
		require.NoError(t, err)
		resp, err := h.Handle(context.Background(), signedEvent(webhook()))
		require.NoError(t, err)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubUseCase{intent: domain.Intent{Kind: domain.IntentWelcome}}
	h, r := newTestHandler(t, uc)

	raw := webhook(textEvent("U1", "tok", "hello"))
	ev := signedEvent(raw)
	ev.Body = base64.StdEncoding.EncodeToString([]byte(raw))
	ev.IsBase64Encoded = true

	resp, err := h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{msgWelcome}, r.replies["tok"])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, _ := newTestHandler(t, &stubUseCase{})

	ev := signedEvent(webhook())
	ev.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_DiagnosisResultIsPushedAfterInterimReply(t *testing.T) {
	d := sampleDiagnosis()
	uc := &stubUseCase{
		intent:  domain.Intent{Kind: domain.IntentDiagnosisReady, Diagnosis: &d},
		interim: &domain.Intent{Kind: domain.IntentPleaseWait},
	}
	h, r := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), signedEvent(webhook(textEvent("U1", "tok", "north"))))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, []string{msgPleaseWait}, r.replies["tok"])
	require.Equal(t, [][]string{{FormatDiagnosis(d), msgNewDiagnosis}}, r.pushes["U1"])
}

func TestHandle_ErrorAfterInterimReplyIsPushed(t *testing.T) {
	uc := &stubUseCase{
		err:     &usecase.Error{Code: usecase.ErrorClassificationTerminal, Reason: "classification_failed"},
		interim: &domain.Intent{Kind: domain.IntentPleaseWait},
	}
	h, r := newTestHandler(t, uc)

	_, err := h.Handle(context.Background(), signedEvent(webhook(textEvent("U1", "tok", "north"))))
	require.NoError(t, err)
	require.Equal(t, []string{msgPleaseWait}, r.replies["tok"])
	require.Equal(t, [][]string{{msgError}}, r.pushes["U1"])
}

func TestHandle_FailedInterimReplyFallsBackToReply(t *testing.T) {
	uc := &stubUseCase{
		intent:  domain.Intent{Kind: domain.IntentRateLimited},
		interim: &domain.Intent{Kind: domain.IntentPleaseWait},
	}
	h, r := newTestHandler(t, uc)
	r.err = errors.New("line down")

	_, err := h.Handle(context.Background(), signedEvent(webhook(textEvent("U1", "tok", "north"))))
	require.NoError(t, err)
	require.Empty(t, r.pushes)
	require.Equal(t, []string{msgRateLimited}, r.replies["tok"])
}

func TestHandle_ShowPostbacks(t *testing.T) {
	uc := &stubUseCase{intent: domain.Intent{Kind: domain.IntentNoDiagnosis}}
	h, r := newTestHandler(t, uc)

	body := webhook(
		`{"type":"postback","replyToken":"t1","source":{"userId":"U1"},"postback":{"data":"show_diagnosis"}}`,
		`{"type":"postback","replyToken":"t2","source":{"userId":"U1"},"postback":{"data":"action=show_treatment"}}`,
	)
	_, err := h.Handle(context.Background(), signedEvent(body))
	require.NoError(t, err)
	require.Equal(t, []call{
		{kind: "show_diagnosis", user: "U1"},
		{kind: "show_treatment", user: "U1"},
	}, uc.callsFor("U1"))
	require.Equal(t, []string{msgNoDiagnosis}, r.replies["t1"])
	require.Equal(t, []string{msgNoDiagnosis}, r.replies["t2"])
	require.Empty(t, r.pushes)
}

func TestPostbackAction(t *testing.T) {
	cases := map[string]string{
		"action=new_diagnosis": actionNewDiagnosis,
		"action=retry":         actionRetry,
		"retry":                actionRetry,
		"show_treatment":       actionShowTreatment,
		"show_diagnosis=true":  actionShowDiagnosis,
		"action=share":         "share",
		"":                     "",
	}
	for in, want := range cases {
		require.Equal(t, want, postbackAction(in), "data %q", in)
	}
}
