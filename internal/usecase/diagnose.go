package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sethvargo/go-retry"

	"plant-doctor/internal/dedup"
	"plant-doctor/internal/domain"
	"plant-doctor/internal/integrations/gemini"
	"plant-doctor/internal/integrations/line"
	"plant-doctor/internal/ratelimit"
)

// diagnose runs one cycle for a record that has just entered PhaseProcessing.
// No per-user lock is held here; the phase itself keeps a second dispatch out.
// Every path ends the cycle.
func (s *Service) diagnose(ctx context.Context, st domain.ConversationState) (domain.Intent, error) {
	userID := st.UserID
	defer func() {
		// The reply may already be on its way; teardown must not be cut short.
		// Only this cycle's record is removed; a newer one is kept.
		if err := s.machine.CompleteOrAbort(context.WithoutCancel(ctx), userID, st.Version); err != nil {
			s.logger.Error("failed to end diagnosis cycle", "user_id", userID, "error", err)
		}
	}()

	img, err := s.images.FetchImage(ctx, st.PendingImageRef)
	if err != nil {
		if errors.Is(err, line.ErrImageTooLarge) || errors.Is(err, line.ErrUnsupportedImage) {
			return domain.Intent{}, newError(ErrorInvalidInput, reasonInvalidImage, err)
		}
		return domain.Intent{}, newError(ErrorInternal, "image_fetch_error", err)
	}

	meta := st.PendingMetadata
	fp := dedup.ComputeFingerprint(dedup.ImageDigest(img.Data), meta.PlantType, meta.Region)
	log := s.logger.With("user_id", userID, "fingerprint", fp.String())

	if cached, ok := s.lookup(ctx, fp, log); ok {
		s.remember(ctx, userID, fp, log)
		log.Info("diagnosis served from cache")
		return domain.Intent{Kind: domain.IntentDiagnosisReady, Diagnosis: &cached, Cached: true}, nil
	}

	allowed, err := s.limiter.Allow(ctx, userID, ratelimit.HourBucket(s.now()))
	if err != nil {
		log.Warn("rate limiter unavailable, allowing request", "error", err)
		allowed = true
	}
	if !allowed {
		return domain.Intent{}, newError(ErrorRateLimited, "hourly_limit", nil)
	}

	result, err := s.classify(ctx, fp, gemini.Request{
		Image:     img.Data,
		MIMEType:  img.MIMEType,
		PlantType: meta.PlantType,
		Region:    meta.Region,
	})
	if err != nil {
		return domain.Intent{}, newError(ErrorClassificationTerminal, "classification_failed", err)
	}

	if result.Error != "" || result.ConfidenceLevel < s.cfg.MinConfidence {
		log.Info("low confidence diagnosis", "confidence", result.ConfidenceLevel, "model_error", result.Error)
		return domain.Intent{Kind: domain.IntentLowConfidence, Diagnosis: &result}, nil
	}

	if s.policy.ShouldCache(result) {
		s.store(ctx, fp, result, log)
		s.remember(ctx, userID, fp, log)
	}
	log.Info("diagnosis ready", "confidence", result.ConfidenceLevel)
	return domain.Intent{Kind: domain.IntentDiagnosisReady, Diagnosis: &result}, nil
}

// lookup treats every cache failure as a miss.
func (s *Service) lookup(ctx context.Context, fp dedup.Fingerprint, log *slog.Logger) (domain.DiagnosisResult, bool) {
	raw, found, err := s.cache.Lookup(ctx, fp)
	if err != nil {
		log.Warn("cache lookup failed", "error", err)
		return domain.DiagnosisResult{}, false
	}
	if !found {
		return domain.DiagnosisResult{}, false
	}
	var r domain.DiagnosisResult
	if err := json.Unmarshal(raw, &r); err != nil {
		log.Warn("cached diagnosis undecodable, invalidating", "error", err)
		if err := s.cache.Invalidate(ctx, fp); err != nil {
			log.Warn("cache invalidate failed", "error", err)
		}
		return domain.DiagnosisResult{}, false
	}
	return r, true
}

func (s *Service) store(ctx context.Context, fp dedup.Fingerprint, r domain.DiagnosisResult, log *slog.Logger) {
	raw, err := json.Marshal(r)
	if err != nil {
		log.Warn("encode diagnosis for cache", "error", err)
		return
	}
	if err := s.cache.Store(ctx, fp, raw, s.cfg.CacheTTL); err != nil {
		log.Warn("cache store failed", "error", err)
	}
}

func (s *Service) remember(ctx context.Context, userID string, fp dedup.Fingerprint, log *slog.Logger) {
	if err := s.cache.Remember(ctx, userID, fp, s.cfg.CacheTTL); err != nil {
		log.Warn("remember last diagnosis failed", "error", err)
	}
}

// classify collapses concurrent calls for the same fingerprint into one
// retried classifier call. Each caller gets its own copy of the result.
// The shared call outlives any single caller; a caller whose ctx ends stops
// waiting without cancelling it for the others.
func (s *Service) classify(ctx context.Context, fp dedup.Fingerprint, req gemini.Request) (domain.DiagnosisResult, error) {
	ch := s.inflight.DoChan(fp.String(), func() (any, error) {
		return s.classifyWithRetry(context.WithoutCancel(ctx), fp, req)
	})
	select {
	case <-ctx.Done():
		return domain.DiagnosisResult{}, fmt.Errorf("classify: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.DiagnosisResult{}, res.Err
		}
		if res.Shared {
			s.logger.Debug("classification shared with concurrent request", "fingerprint", fp.String())
		}
		return res.Val.(domain.DiagnosisResult).Clone(), nil
	}
}

// classifyWithRetry makes at most cfg.MaxAttempts calls, backing off
// exponentially between transient failures. Terminal errors stop immediately.
func (s *Service) classifyWithRetry(ctx context.Context, fp dedup.Fingerprint, req gemini.Request) (domain.DiagnosisResult, error) {
	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), retry.NewExponential(s.cfg.RetryBaseDelay))

	var (
		result  domain.DiagnosisResult
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := s.classifier.Classify(ctx, req)
		if err == nil {
			result = r
			return nil
		}
		if gemini.IsRetryable(err) {
			s.logger.Warn("classification attempt failed",
				"fingerprint", fp.String(), "attempt", attempt, "max_attempts", s.cfg.MaxAttempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("classify after %d attempt(s): %w", attempt, err)
	}
	return result, nil
}
