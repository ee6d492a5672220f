package usecase

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
)

const defaultMaxTextLen = 1000

type keyword struct {
	key   string
	value string
}

// byLongestKey sorts so that "ข้าวโพด" is tried before "ข้าว".
func byLongestKey(kws []keyword) []keyword {
	sort.SliceStable(kws, func(i, j int) bool {
		return utf8.RuneCountInString(kws[i].key) > utf8.RuneCountInString(kws[j].key)
	})
	return kws
}

var plantTypeKeywords = byLongestKey([]keyword{
	{"ข้าว", "rice"},
	{"rice", "rice"},
	{"ข้าวโพด", "corn"},
	{"ข้าวโพดเลี้ยงสัตว์", "corn"},
	{"corn", "corn"},
	{"maize", "corn"},
	{"มันสำปะหลัง", "cassava"},
	{"มัน", "cassava"},
	{"cassava", "cassava"},
	{"อ้อย", "sugarcane"},
	{"sugarcane", "sugarcane"},
	{"sugar cane", "sugarcane"},
	{"พืชผัก", "vegetable"},
	{"ผัก", "vegetable"},
	{"vegetable", "vegetable"},
	{"ไม้ผล", "fruit"},
	{"ผลไม้", "fruit"},
	{"fruit", "fruit"},
	{"อื่นๆ", "other"},
	{"อื่น", "other"},
	{"other", "other"},
	{"others", "other"},
})

// otherPlantType is used for crops with no keyword of their own.
const otherPlantType = "other"

var regionKeywords = byLongestKey([]keyword{
	{"ภาคเหนือ", "north"},
	{"เหนือ", "north"},
	{"north", "north"},
	{"northern", "north"},
	{"ภาคตะวันออกเฉียงเหนือ", "northeast"},
	{"ตะวันออกเฉียงเหนือ", "northeast"},
	{"อีสาน", "northeast"},
	{"northeast", "northeast"},
	{"north east", "northeast"},
	{"northeastern", "northeast"},
	{"north eastern", "northeast"},
	{"isan", "northeast"},
	{"ภาคกลาง", "central"},
	{"กลาง", "central"},
	{"central", "central"},
	{"ภาคตะวันออก", "east"},
	{"ตะวันออก", "east"},
	{"east", "east"},
	{"eastern", "east"},
	{"ภาคตะวันตก", "west"},
	{"ตะวันตก", "west"},
	{"west", "west"},
	{"western", "west"},
	{"ภาคใต้", "south"},
	{"ใต้", "south"},
	{"south", "south"},
	{"southern", "south"},
})

var (
	greetingWords = []string{"สวัสดี", "หวัดดี", "ดีครับ", "ดีค่ะ", "hello", "hi", "hey"}
	helpWords     = []string{"ช่วย", "help", "วิธีใช้", "ใช้งาน", "ยังไง", "อย่างไร", "คำสั่ง", "เมนู", "menu"}
	resetWords    = []string{"เริ่มใหม่", "ยกเลิก", "reset", "restart", "cancel", "new"}

	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

func matchKeyword(text string, kws []keyword) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return "", false
	}
	words := latinWords(t)
	kw, ok := lo.Find(kws, func(k keyword) bool { return hasKeyword(t, words, k.key) })
	return kw.value, ok
}

// latinWords joins the letter and digit runs of t with single spaces and pads
// both ends, so "north-east" reads as " north east ".
func latinWords(t string) string {
	fields := strings.FieldsFunc(t, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}

// hasKeyword matches Latin keys as whole words only. Thai runs words together
// without spaces, so Thai keys match anywhere in t.
func hasKeyword(t, words, key string) bool {
	if key[0] < utf8.RuneSelf {
		return strings.Contains(words, " "+key+" ")
	}
	return strings.Contains(t, key)
}

// ParsePlantType maps free text in Thai or English to a canonical plant type.
// Any other crop name is accepted as "other"; text without letters is not.
func ParsePlantType(text string) (string, bool) {
	if v, ok := matchKeyword(text, plantTypeKeywords); ok {
		return v, true
	}
	if strings.IndexFunc(text, unicode.IsLetter) >= 0 {
		return otherPlantType, true
	}
	return "", false
}

// ParseRegion maps free text in Thai or English to a canonical Thai region.
func ParseRegion(text string) (string, bool) {
	return matchKeyword(text, regionKeywords)
}

func containsWord(text string, words []string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	padded := latinWords(t)
	return lo.SomeBy(words, func(w string) bool { return hasKeyword(t, padded, w) })
}

func IsGreeting(text string) bool {
	return containsWord(text, greetingWords)
}

func IsHelpRequest(text string) bool {
	return containsWord(text, helpWords)
}

func IsResetCommand(text string) bool {
	return containsWord(text, resetWords)
}

// SanitizeText strips control characters, collapses whitespace and caps the
// length at maxLen runes.
func SanitizeText(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultMaxTextLen
	}
	text = controlChars.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > maxLen {
		text = string([]rune(text)[:maxLen]) + "..."
	}
	return text
}
