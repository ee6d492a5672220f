package usecase

import (
	"context"
	"strings"

	"plant-doctor/internal/domain"
)

// ShowDiagnosis repeats the user's last shareable diagnosis in full.
func (s *Service) ShowDiagnosis(ctx context.Context, userID string) (domain.Intent, error) {
	return s.showLast(ctx, userID, domain.IntentDiagnosisReady)
}

// ShowTreatment repeats only the management advice of the last diagnosis.
func (s *Service) ShowTreatment(ctx context.Context, userID string) (domain.Intent, error) {
	return s.showLast(ctx, userID, domain.IntentTreatment)
}

// showLast answers from the diagnosis cache. Results that were never cached
// (low confidence, model error marker) cannot be shown again.
func (s *Service) showLast(ctx context.Context, userID string, kind domain.IntentKind) (domain.Intent, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Intent{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	fp, found, err := s.cache.Recall(ctx, userID)
	if err != nil {
		return domain.Intent{}, newError(ErrorInternal, "recall_error", err)
	}
	if !found {
		return domain.Intent{Kind: domain.IntentNoDiagnosis}, nil
	}
	result, ok := s.lookup(ctx, fp, s.logger.With("user_id", userID, "fingerprint", fp.String()))
	if !ok {
		return domain.Intent{Kind: domain.IntentNoDiagnosis}, nil
	}
	return domain.Intent{Kind: kind, Diagnosis: &result}, nil
}
