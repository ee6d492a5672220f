package gemini

import (
	"strings"
)

// outputExample is embedded in the system instruction so the model mirrors the
// field names of domain.DiagnosisResult.
const outputExample = `{
  "confidence_level": 85,
  "primary_issue": {
    "class_en": "rice_blast",
    "description": "Short description of the symptoms (1-2 sentences)"
  },
  "causal_agent": "Fungal disease (Magnaporthe oryzae)",
  "visual_evidence": {
    "spots_description": "colour, margin, sharpness",
    "lesion_shape": "round, oval, eye-shaped, irregular",
    "distribution": "scattered / clustered / leaf tip only",
    "severity_observation": "how severe the symptoms look on the leaf"
  },
  "diagnostic_reasoning": "Why the symptoms match this class better than the others",
  "disease_management": {
    "cultural_management": ["field sanitation", "plant spacing", "water management"],
    "cultivar_and_cropping_system": ["resistant varieties", "cropping system"],
    "monitoring_and_prevention": ["what to monitor", "high-risk periods"],
    "chemical_management": ["fungicide at the recommended rate, only if needed"]
  },
  "summary": {
    "final_class": "rice_blast",
    "severity": "low | moderate | severe",
    "overall_confidence": "85%"
  }
}`

const systemInstruction = `You are a plant pathology expert and a vision-based crop diagnosis system.

Analyse the leaf photo sent by a Thai farmer and diagnose the plant's condition.
Choose the closest class when symptoms are ambiguous and lower confidence_level accordingly.
If no plant or no lesion is visible, set "error" to a short explanation and confidence_level to 0.
Write free-text fields in Thai.

Answer with a single JSON object with exactly this structure and no extra keys:
` + outputExample

func buildUserPrompt(plantType, region string) string {
	parts := []string{
		"วิเคราะห์โรคพืชจากภาพนี้",
		"ชนิดพืช: " + plantType,
	}
	if strings.TrimSpace(region) != "" {
		parts = append(parts, "ภูมิภาค: "+region)
	}
	parts = append(parts,
		"",
		"กรุณาวิเคราะห์และตอบเป็น JSON ตามรูปแบบที่กำหนด",
		"หากไม่พบโรคหรือพืชในภาพ ให้ระบุในผลลัพธ์",
	)
	return strings.Join(parts, "\n")
}
