package domain

// DiagnosisResult is the structured payload produced by the vision model.
// The core only inspects ConfidenceLevel and Error; everything else is passed
// through to the message templates.
type DiagnosisResult struct {
	ConfidenceLevel     int               `json:"confidence_level" validate:"gte=0,lte=100"`
	PrimaryIssue        PrimaryIssue      `json:"primary_issue"`
	CausalAgent         string            `json:"causal_agent"`
	VisualEvidence      VisualEvidence    `json:"visual_evidence"`
	DiagnosticReasoning string            `json:"diagnostic_reasoning"`
	DiseaseManagement   DiseaseManagement `json:"disease_management"`
	Summary             DiagnosisSummary  `json:"summary"`
	// Error is set by the model when it could not find a plant or a lesion.
	Error string `json:"error,omitempty"`
}

type PrimaryIssue struct {
	ClassEN     string `json:"class_en" validate:"required"`
	Description string `json:"description"`
}

type VisualEvidence struct {
	SpotsDescription    string `json:"spots_description"`
	LesionShape         string `json:"lesion_shape"`
	Distribution        string `json:"distribution"`
	SeverityObservation string `json:"severity_observation"`
}

type DiseaseManagement struct {
	CulturalManagement        []string `json:"cultural_management"`
	CultivarAndCroppingSystem []string `json:"cultivar_and_cropping_system"`
	MonitoringAndPrevention   []string `json:"monitoring_and_prevention"`
	ChemicalManagement        []string `json:"chemical_management"`
}

type DiagnosisSummary struct {
	FinalClass        string `json:"final_class"`
	Severity          string `json:"severity"`
	OverallConfidence string `json:"overall_confidence"`
}

// Clone returns a deep copy so callers never share slices with a cached value.
func (r DiagnosisResult) Clone() DiagnosisResult {
	out := r
	out.DiseaseManagement = DiseaseManagement{
		CulturalManagement:        append([]string(nil), r.DiseaseManagement.CulturalManagement...),
		CultivarAndCroppingSystem: append([]string(nil), r.DiseaseManagement.CultivarAndCroppingSystem...),
		MonitoringAndPrevention:   append([]string(nil), r.DiseaseManagement.MonitoringAndPrevention...),
		ChemicalManagement:        append([]string(nil), r.DiseaseManagement.ChemicalManagement...),
	}
	return out
}
