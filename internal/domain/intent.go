package domain

// IntentKind is the closed set of outcomes the core hands to the transport.
type IntentKind string

const (
	IntentWelcome         IntentKind = "welcome"
	IntentAskImage        IntentKind = "ask_image"
	IntentAskMetadata     IntentKind = "ask_metadata"
	IntentInvalidMetadata IntentKind = "invalid_metadata"
	IntentPleaseWait      IntentKind = "please_wait"
	IntentDiagnosisReady  IntentKind = "diagnosis_ready"
	IntentLowConfidence   IntentKind = "low_confidence"
	IntentRateLimited     IntentKind = "rate_limited"
	IntentSessionExpired  IntentKind = "session_expired"
	IntentError           IntentKind = "error"

	// IntentTreatment shows only the management advice of a diagnosis.
	IntentTreatment IntentKind = "treatment"
	// IntentNoDiagnosis answers a request to see a diagnosis the user does not have.
	IntentNoDiagnosis IntentKind = "no_diagnosis"
)

// Intent tells the transport what to say. It never carries internal error detail.
type Intent struct {
	Kind IntentKind
	// Missing is set for IntentAskMetadata and IntentInvalidMetadata; the first
	// element is the field being asked for.
	Missing []MetadataField
	// Diagnosis is a copy owned by the receiver. Set for IntentDiagnosisReady,
	// IntentTreatment and IntentLowConfidence.
	Diagnosis *DiagnosisResult
	Cached    bool
	// Reason refines IntentError for message selection, e.g. "invalid_image".
	Reason string
}

// IntentReasonInvalidImage marks an IntentError caused by the photo itself.
const IntentReasonInvalidImage = "invalid_image"
