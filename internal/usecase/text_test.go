package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlantType(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"rice", "rice", true},
		{"  RICE ", "rice", true},
		{"ข้าว", "rice", true},
		{"ข้าวโพด", "corn", true},
		{"ข้าวโพดเลี้ยงสัตว์", "corn", true},
		{"maize", "corn", true},
		{"มันสำปะหลัง", "cassava", true},
		{"sugar cane", "sugarcane", true},
		{"อ้อย", "sugarcane", true},
		{"ผัก", "vegetable", true},
		{"ผลไม้", "fruit", true},
		{"other", "other", true},
		{"อื่นๆ", "other", true},
		{"durian?", "other", true},
		{"ทุเรียน", "other", true},
		{"price", "other", true},
		{"popcorn", "other", true},
		{"rice-field", "rice", true},
		{"???", "", false},
		{"123", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParsePlantType(tc.in)
		require.Equal(t, tc.ok, ok, "input %q", tc.in)
		require.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestParseRegion(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"north", "north", true},
		{"ภาคเหนือ", "north", true},
		{"Northeast", "northeast", true},
		{"ภาคตะวันออกเฉียงเหนือ", "northeast", true},
		{"ตะวันออกเฉียงเหนือ", "northeast", true},
		{"north-east", "northeast", true},
		{"North East", "northeast", true},
		{"southern", "south", true},
		{"อีสาน", "northeast", true},
		{"ภาคกลาง", "central", true},
		{"ภาคตะวันออก", "east", true},
		{"west", "west", true},
		{"ภาคใต้", "south", true},
		{"mars", "", false},
		{"southeastasia", "", false},
		{"price", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseRegion(tc.in)
		require.Equal(t, tc.ok, ok, "input %q", tc.in)
		require.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestKeywordPredicates(t *testing.T) {
	require.True(t, IsGreeting("Hi!"))
	require.True(t, IsGreeting("สวัสดีครับ"))
	require.False(t, IsGreeting("this leaf"))

	require.True(t, IsHelpRequest("วิธีใช้"))
	require.True(t, IsHelpRequest("menu please"))
	require.False(t, IsHelpRequest("rice"))

	require.True(t, IsResetCommand("เริ่มใหม่"))
	require.True(t, IsResetCommand("Cancel"))
	require.False(t, IsResetCommand("renewal"))
}

func TestSanitizeText(t *testing.T) {
	require.Equal(t, "a b c", SanitizeText(" a\t\tb\x00\n c ", 0))
	require.Equal(t, "ข้า...", SanitizeText("ข้าวโพด", 3))
	long := strings.Repeat("x", defaultMaxTextLen+5)
	require.Len(t, SanitizeText(long, 0), defaultMaxTextLen+3)
}
