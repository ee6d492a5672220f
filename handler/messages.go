package handler

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"plant-doctor/internal/domain"
)

const (
	msgWelcome = "🌿 ยินดีต้อนรับสู่ระบบวินิจฉัยโรคพืช AI\n\n" +
		"ส่งรูปภาพใบหรือส่วนที่เป็นโรคมาให้เราได้เลยครับ 📷\n" +
		"ระบบจะถามชนิดพืชและภูมิภาค แล้ววิเคราะห์ให้ทันที!"
	msgAskImage       = "กรุณาส่งรูปภาพพืชที่ต้องการวินิจฉัยโรค 📷"
	msgAskPlantType   = "🌱 พืชในภาพคือพืชชนิดใดครับ?\nเช่น ข้าว, ข้าวโพด, มันสำปะหลัง, อ้อย, ผัก, ผลไม้"
	msgAskRegion      = "📍 แปลงปลูกอยู่ภาคไหนครับ?\nเช่น ภาคเหนือ, ภาคอีสาน, ภาคกลาง, ภาคตะวันออก, ภาคตะวันตก, ภาคใต้"
	msgInvalidPrefix  = "ขออภัย ระบบไม่เข้าใจคำตอบ"
	msgPleaseWait     = "⏳ กำลังวิเคราะห์รูปภาพของคุณ กรุณารอสักครู่..."
	msgLowConfidence  = "ระบบไม่สามารถวินิจฉัยได้แน่ชัด แนะนำให้ส่งรูปที่ชัดเจนกว่า หรือปรึกษาผู้เชี่ยวชาญ"
	msgNoPlant        = "ไม่พบพืชในภาพ กรุณาถ่ายภาพให้เห็นส่วนที่มีอาการชัดเจน"
	msgRateLimited    = "คุณใช้งานเกินจำนวนครั้งที่กำหนด กรุณาลองใหม่ในอีก 1 ชั่วโมง"
	msgSessionExpired = "เซสชั่นหมดอายุ กรุณาส่งรูปภาพใหม่อีกครั้ง"
	msgInvalidImage   = "รูปภาพไม่ถูกต้องหรือใหญ่เกินไป กรุณาส่งรูปนามสกุล .jpg, .png หรือ .webp ขนาดไม่เกิน 5 MB"
	msgError          = "⚠️ ระบบขัดข้อง กรุณาลองใหม่อีกครั้งในอีกสักครู่"
	msgCachedNote     = "ℹ️ ผลนี้มาจากการวินิจฉัยภาพเดียวกันก่อนหน้า"
	msgNewDiagnosis   = "ส่งรูปใหม่ได้ตลอดเวลาเพื่อวินิจฉัยอีกครั้ง 📷"
	msgNoDiagnosis    = "ไม่พบผลวินิจฉัย กรุณาส่งรูปภาพใหม่"
)

// Render turns an intent into the texts sent back to the user.
// It never includes internal error detail.
func Render(in domain.Intent) []string {
	switch in.Kind {
	case domain.IntentWelcome:
		return []string{msgWelcome}
	case domain.IntentAskImage:
		return []string{msgAskImage}
	case domain.IntentAskMetadata:
		return []string{askFor(in.Missing)}
	case domain.IntentInvalidMetadata:
		return []string{msgInvalidPrefix + "\n" + askFor(in.Missing)}
	case domain.IntentPleaseWait:
		return []string{msgPleaseWait}
	case domain.IntentDiagnosisReady:
		if in.Diagnosis == nil {
			return []string{msgError}
		}
		out := []string{FormatDiagnosis(*in.Diagnosis)}
		if in.Cached {
			out = append(out, msgCachedNote)
		}
		return append(out, msgNewDiagnosis)
	case domain.IntentTreatment:
		if in.Diagnosis == nil {
			return []string{msgNoDiagnosis}
		}
		return []string{FormatTreatment(*in.Diagnosis)}
	case domain.IntentNoDiagnosis:
		return []string{msgNoDiagnosis}
	case domain.IntentLowConfidence:
		if in.Diagnosis != nil && in.Diagnosis.Error != "" {
			return []string{msgNoPlant}
		}
		return []string{msgLowConfidence}
	case domain.IntentRateLimited:
		return []string{msgRateLimited}
	case domain.IntentSessionExpired:
		return []string{msgSessionExpired}
	case domain.IntentError:
		if in.Reason == domain.IntentReasonInvalidImage {
			return []string{msgInvalidImage}
		}
		return []string{msgError}
	default:
		return []string{msgError}
	}
}

func askFor(missing []domain.MetadataField) string {
	if len(missing) > 0 && missing[0] == domain.FieldRegion {
		return msgAskRegion
	}
	return msgAskPlantType
}

type report struct {
	strings.Builder
}

func (r *report) line(format string, args ...any) {
	fmt.Fprintf(&r.Builder, format, args...)
	r.WriteByte('\n')
}

func (r *report) bullets(items []string) {
	for _, it := range items {
		r.line("- %s", it)
	}
}

func (r *report) sep() {
	r.line("")
	r.line("---")
	r.line("")
}

func (r *report) management(m domain.DiseaseManagement) {
	r.line("🛠️ แนวทางการจัดการโรค")
	r.line("1️⃣ การจัดการเชิงเกษตร:")
	r.bullets(m.CulturalManagement)
	r.line("2️⃣ การจัดการด้านพันธุ์และระบบปลูก:")
	r.bullets(m.CultivarAndCroppingSystem)
	r.line("3️⃣ การเฝ้าระวังและป้องกัน:")
	r.bullets(m.MonitoringAndPrevention)
	r.line("4️⃣ การจัดการด้วยสารเคมี:")
	r.bullets(m.ChemicalManagement)
}

// FormatDiagnosis renders the full diagnosis report.
func FormatDiagnosis(d domain.DiagnosisResult) string {
	var r report
	r.line("🌾 ผลการวินิจฉัยจากระบบ AI")
	r.sep()
	r.line("📊 ระดับความมั่นใจ: %d %%", d.ConfidenceLevel)
	r.sep()
	r.line("🔬 อาการหลัก:")
	r.line("- %s", d.PrimaryIssue.ClassEN)
	if d.PrimaryIssue.Description != "" {
		r.line("- %s", d.PrimaryIssue.Description)
	}
	r.sep()
	r.line("🧬 กลุ่มสาเหตุของโรค:")
	r.line("- %s", d.CausalAgent)
	r.sep()
	r.line("🔍 หลักฐานทางอาการจากภาพ:")
	r.bullets(nonEmpty(
		d.VisualEvidence.SpotsDescription,
		d.VisualEvidence.LesionShape,
		d.VisualEvidence.Distribution,
		d.VisualEvidence.SeverityObservation,
	))
	r.sep()
	r.line("🧠 เหตุผลในการวินิจฉัย:")
	r.line("%s", d.DiagnosticReasoning)
	r.sep()
	r.management(d.DiseaseManagement)
	r.sep()
	r.line("📝 สรุปผลการวินิจฉัย:")
	r.line("- Class สุดท้าย: %s", d.Summary.FinalClass)
	r.line("- ระดับความรุนแรงของอาการ: %s", d.Summary.Severity)
	r.line("- ความมั่นใจโดยรวมของระบบ: %s", d.Summary.OverallConfidence)

	return strings.TrimSpace(r.String())
}

// FormatTreatment renders only the management advice for the diagnosed class.
func FormatTreatment(d domain.DiagnosisResult) string {
	var r report
	r.line("💊 วิธีจัดการ: %s", d.PrimaryIssue.ClassEN)
	r.sep()
	r.management(d.DiseaseManagement)
	return strings.TrimSpace(r.String())
}

func nonEmpty(items ...string) []string {
	return lo.Filter(items, func(s string, _ int) bool { return strings.TrimSpace(s) != "" })
}
