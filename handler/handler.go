package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"plant-doctor/internal/domain"
	"plant-doctor/internal/integrations/line"
	"plant-doctor/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSignature     = "X-Line-Signature"

	defaultMaxConcurrency = 8
)

type UseCase interface {
	HandleImage(ctx context.Context, in usecase.ImageInput) (domain.Intent, error)
	HandleText(ctx context.Context, in usecase.TextInput) (domain.Intent, error)
	HandleReset(ctx context.Context, userID string) (domain.Intent, error)
	ShowDiagnosis(ctx context.Context, userID string) (domain.Intent, error)
	ShowTreatment(ctx context.Context, userID string) (domain.Intent, error)
}

// Messenger answers through a reply token once, or pushes to a user at any time.
type Messenger interface {
	Reply(ctx context.Context, replyToken string, texts []string) error
	Push(ctx context.Context, userID string, texts []string) error
}

// SecretProvider returns the LINE channel secret used to verify webhooks.
type SecretProvider interface {
	Token(ctx context.Context) (string, error)
}

type Handler struct {
	uc             UseCase
	messenger      Messenger
	secret         SecretProvider
	validate       *validator.Validate
	maxConcurrency int
	logger         *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxConcurrency bounds how many users are served at once per request.
func WithMaxConcurrency(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxConcurrency = n
		}
	}
}

func NewHandler(uc UseCase, messenger Messenger, secret SecretProvider, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: usecase must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("handler: messenger must not be nil")
	}
	if secret == nil {
		return nil, errors.New("handler: secret provider must not be nil")
	}
	h := &Handler{
		uc:             uc,
		messenger:      messenger,
		secret:         secret,
		validate:       validator.New(),
		maxConcurrency: defaultMaxConcurrency,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type webhookRequest struct {
	Destination string         `json:"destination"`
	Events      []webhookEvent `json:"events" validate:"dive"`
}

type webhookEvent struct {
	Type       string         `json:"type" validate:"required"`
	ReplyToken string         `json:"replyToken"`
	Timestamp  int64          `json:"timestamp"`
	Source     eventSource    `json:"source"`
	Message    *eventMessage  `json:"message,omitempty"`
	Postback   *eventPostback `json:"postback,omitempty"`
}

type eventSource struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type eventMessage struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required"`
	Text string `json:"text"`
}

type eventPostback struct {
	Data string `json:"data"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handle verifies and dispatches one LINE webhook delivery. Once the
// signature checks out the response is always 200 so LINE does not redeliver;
// per-event failures are answered in chat instead.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID)

	if req.HTTPMethod != http.MethodPost {
		return respond(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
		}
		body = decoded
	}

	secret, err := h.secret.Token(ctx)
	if err != nil {
		log.Error("failed to load channel secret", "error", err)
		return respond(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)}), nil
	}
	if !line.VerifySignature(secret, body, header(req.Headers, headerSignature)) {
		log.Warn("webhook signature rejected")
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: "INVALID_SIGNATURE"}), nil
	}

	var payload webhookRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("webhook body undecodable", "error", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}
	if err := h.validate.Struct(payload); err != nil {
		log.Warn("webhook body invalid", "error", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	h.dispatch(ctx, log, payload.Events)
	return respond(http.StatusOK, correlationID, statusResponse{Status: "ok"}), nil
}

// dispatch keeps each user's events in delivery order while different users
// proceed concurrently.
func (h *Handler) dispatch(ctx context.Context, log *slog.Logger, evs []webhookEvent) {
	withUser := lo.Filter(evs, func(ev webhookEvent, _ int) bool {
		if ev.Source.UserID == "" {
			log.Debug("event without user ignored", "type", ev.Type)
			return false
		}
		return true
	})
	byUser := lo.GroupBy(withUser, func(ev webhookEvent) string { return ev.Source.UserID })

	var g errgroup.Group
	g.SetLimit(h.maxConcurrency)
	for userID, userEvents := range byUser {
		g.Go(func() error {
			userLog := log.With("user_id", userID)
			for _, ev := range userEvents {
				h.handleEvent(ctx, userLog, ev)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// handleEvent answers one event. A text that starts a diagnosis is first
// answered with please_wait through the reply token; the result then follows
// as a push, since the diagnosis can outlive the token.
func (h *Handler) handleEvent(ctx context.Context, log *slog.Logger, ev webhookEvent) {
	var acked bool
	ack := func(ctx context.Context, interim domain.Intent) {
		if ev.ReplyToken == "" {
			return
		}
		if err := h.messenger.Reply(ctx, ev.ReplyToken, Render(interim)); err != nil {
			log.Warn("failed to send interim reply", "error", err)
			return
		}
		acked = true
	}

	intent, ok, err := h.route(ctx, ev, ack)
	if !ok {
		log.Debug("event ignored", "type", ev.Type)
		return
	}
	if err != nil {
		log.Error("event handling failed", "type", ev.Type, "error", err)
		intent = usecase.IntentForError(err)
	}
	log.Info("event handled", "type", ev.Type, "intent", string(intent.Kind), "pushed", acked)

	if acked {
		if err := h.messenger.Push(ctx, ev.Source.UserID, Render(intent)); err != nil {
			log.Error("failed to push result", "error", err)
		}
		return
	}
	if ev.ReplyToken == "" {
		return
	}
	if err := h.messenger.Reply(ctx, ev.ReplyToken, Render(intent)); err != nil {
		log.Error("failed to send reply", "error", err)
	}
}

// route reports ok=false for events that get no reply.
func (h *Handler) route(ctx context.Context, ev webhookEvent, ack usecase.Ack) (domain.Intent, bool, error) {
	userID := ev.Source.UserID
	switch ev.Type {
	case "message":
		if ev.Message == nil {
			return domain.Intent{}, false, nil
		}
		switch ev.Message.Type {
		case "text":
			intent, err := h.uc.HandleText(ctx, usecase.TextInput{UserID: userID, Text: ev.Message.Text, Ack: ack})
			return intent, true, err
		case "image":
			intent, err := h.uc.HandleImage(ctx, usecase.ImageInput{UserID: userID, MessageID: ev.Message.ID})
			return intent, true, err
		default:
			return domain.Intent{Kind: domain.IntentAskImage}, true, nil
		}
	case "postback":
		if ev.Postback == nil {
			return domain.Intent{}, false, nil
		}
		var (
			intent domain.Intent
			err    error
		)
		switch postbackAction(ev.Postback.Data) {
		case actionNewDiagnosis, actionRetry:
			intent, err = h.uc.HandleReset(ctx, userID)
		case actionShowDiagnosis:
			intent, err = h.uc.ShowDiagnosis(ctx, userID)
		case actionShowTreatment:
			intent, err = h.uc.ShowTreatment(ctx, userID)
		default:
			return domain.Intent{}, false, nil
		}
		return intent, true, err
	case "follow":
		return domain.Intent{Kind: domain.IntentWelcome}, true, nil
	default:
		return domain.Intent{}, false, nil
	}
}

const (
	actionNewDiagnosis  = "new_diagnosis"
	actionRetry         = "retry"
	actionShowDiagnosis = "show_diagnosis"
	actionShowTreatment = "show_treatment"
)

// postbackAction reads "action=show_treatment", "show_treatment=1" and a bare
// "show_treatment" alike.
func postbackAction(data string) string {
	data = strings.TrimSpace(data)
	q, err := url.ParseQuery(data)
	if err != nil {
		return data
	}
	if q.Has("action") {
		return q.Get("action")
	}
	if len(q) == 1 {
		return lo.Keys(q)[0]
	}
	return data
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(raw),
	}
}
