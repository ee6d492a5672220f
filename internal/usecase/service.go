package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"plant-doctor/internal/conversation"
	"plant-doctor/internal/dedup"
	"plant-doctor/internal/domain"
	"plant-doctor/internal/integrations/gemini"
	"plant-doctor/internal/integrations/line"
	"plant-doctor/internal/ratelimit"
)

const (
	defaultCacheTTL       = 24 * time.Hour
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = time.Second

	reasonInvalidImage = "invalid_image"
)

type StateMachine interface {
	SubmitImage(ctx context.Context, userID, imageRef string) (string, error)
	SubmitMetadataField(ctx context.Context, userID string, field domain.MetadataField, value string) (conversation.PhaseResult, error)
	CompleteOrAbort(ctx context.Context, userID string, version int64) error
	GetState(ctx context.Context, userID string) (domain.ConversationState, bool, error)
}

type ResultCache interface {
	Lookup(ctx context.Context, fp dedup.Fingerprint) ([]byte, bool, error)
	Store(ctx context.Context, fp dedup.Fingerprint, result []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, fp dedup.Fingerprint) error
	Remember(ctx context.Context, userID string, fp dedup.Fingerprint, ttl time.Duration) error
	Recall(ctx context.Context, userID string) (dedup.Fingerprint, bool, error)
}

type Classifier interface {
	Classify(ctx context.Context, req gemini.Request) (domain.DiagnosisResult, error)
}

type ImageFetcher interface {
	FetchImage(ctx context.Context, messageID string) (line.Image, error)
}

// Config holds the tunables of the diagnosis cycle. Zero values take defaults.
type Config struct {
	CacheTTL       time.Duration
	MinConfidence  int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	MaxTextLen     int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = dedup.DefaultMinConfidence
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = defaultMaxTextLen
	}
	return c
}

// Service turns chat events into intents. It owns no state of its own beyond
// the in-flight classification calls it collapses per fingerprint.
type Service struct {
	machine    StateMachine
	cache      ResultCache
	limiter    ratelimit.Limiter
	classifier Classifier
	images     ImageFetcher
	policy     dedup.Policy
	cfg        Config

	inflight singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(m StateMachine, c ResultCache, l ratelimit.Limiter, cl Classifier, img ImageFetcher, cfg Config, opts ...Option) (*Service, error) {
	if m == nil {
		return nil, errors.New("usecase: state machine must not be nil")
	}
	if c == nil {
		return nil, errors.New("usecase: result cache must not be nil")
	}
	if l == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	if cl == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if img == nil {
		return nil, errors.New("usecase: image fetcher must not be nil")
	}
	cfg = cfg.withDefaults()
	s := &Service{
		machine:    m,
		cache:      c,
		limiter:    l,
		classifier: cl,
		images:     img,
		policy:     dedup.Policy{MinConfidence: cfg.MinConfidence},
		cfg:        cfg,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type ImageInput struct {
	UserID    string
	MessageID string
}

// Ack sends an interim answer while the caller still waits on the final one.
type Ack func(ctx context.Context, intent domain.Intent)

type TextInput struct {
	UserID string
	Text   string
	// Ack, when set, is called with IntentPleaseWait right before a diagnosis starts.
	Ack Ack
}

// HandleImage starts a new cycle with the photo and asks for the first field.
func (s *Service) HandleImage(ctx context.Context, in ImageInput) (domain.Intent, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" || strings.TrimSpace(in.MessageID) == "" {
		return domain.Intent{}, newError(ErrorInvalidInput, "missing_user_or_message", nil)
	}

	previous, err := s.machine.SubmitImage(ctx, userID, in.MessageID)
	if errors.Is(err, domain.ErrDiagnosisInFlight) {
		return domain.Intent{Kind: domain.IntentPleaseWait}, nil
	}
	if err != nil {
		return domain.Intent{}, newError(ErrorInternal, "state_submit_image_error", err)
	}
	if previous != "" {
		// LINE keeps message content on its side; there is nothing to delete.
		s.logger.Info("pending image replaced", "user_id", userID)
	}
	return askMetadata(domain.RequiredFields), nil
}

// HandleText interprets a text message according to where the user is in the flow.
func (s *Service) HandleText(ctx context.Context, in TextInput) (domain.Intent, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.Intent{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	text := SanitizeText(in.Text, s.cfg.MaxTextLen)

	if IsResetCommand(text) {
		return s.HandleReset(ctx, userID)
	}

	st, found, err := s.machine.GetState(ctx, userID)
	if err != nil {
		return domain.Intent{}, newError(ErrorInternal, "state_get_error", err)
	}
	if !found {
		if IsGreeting(text) || IsHelpRequest(text) {
			return domain.Intent{Kind: domain.IntentWelcome}, nil
		}
		return domain.Intent{Kind: domain.IntentAskImage}, nil
	}

	switch st.Phase {
	case domain.PhaseProcessing:
		return domain.Intent{Kind: domain.IntentPleaseWait}, nil
	case domain.PhaseAwaitingMetadata:
		return s.answerMetadata(ctx, st, text, in.Ack)
	default:
		return domain.Intent{Kind: domain.IntentAskImage}, nil
	}
}

// HandleReset drops whatever the user had in progress. A diagnosis already
// running is not interrupted; the user is asked to wait for it instead.
func (s *Service) HandleReset(ctx context.Context, userID string) (domain.Intent, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Intent{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	err := s.machine.CompleteOrAbort(ctx, userID, 0)
	if errors.Is(err, domain.ErrDiagnosisInFlight) {
		return domain.Intent{Kind: domain.IntentPleaseWait}, nil
	}
	if err != nil {
		return domain.Intent{}, newError(ErrorInternal, "state_reset_error", err)
	}
	return domain.Intent{Kind: domain.IntentAskImage}, nil
}

func (s *Service) answerMetadata(ctx context.Context, st domain.ConversationState, text string, ack Ack) (domain.Intent, error) {
	missing := st.PendingMetadata.Missing()
	if len(missing) == 0 {
		// Complete but not yet flipped; the next submit reports the phase.
		return domain.Intent{Kind: domain.IntentPleaseWait}, nil
	}
	field := missing[0]

	value, ok := parseField(field, text)
	if !ok {
		return domain.Intent{Kind: domain.IntentInvalidMetadata, Missing: missing}, nil
	}

	res, err := s.machine.SubmitMetadataField(ctx, st.UserID, field, value)
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		return domain.Intent{}, newError(ErrorNoActiveSession, "session_expired", err)
	case err != nil:
		return domain.Intent{}, newError(ErrorInternal, "state_submit_metadata_error", err)
	}

	if res.Trigger {
		if ack != nil {
			ack(ctx, domain.Intent{Kind: domain.IntentPleaseWait})
		}
		return s.diagnose(ctx, res.State)
	}
	if res.Phase == domain.PhaseProcessing {
		return domain.Intent{Kind: domain.IntentPleaseWait}, nil
	}
	return askMetadata(res.Missing), nil
}

func parseField(field domain.MetadataField, text string) (string, bool) {
	switch field {
	case domain.FieldPlantType:
		return ParsePlantType(text)
	case domain.FieldRegion:
		return ParseRegion(text)
	default:
		return "", false
	}
}

func askMetadata(missing []domain.MetadataField) domain.Intent {
	return domain.Intent{
		Kind:    domain.IntentAskMetadata,
		Missing: append([]domain.MetadataField(nil), missing...),
	}
}
