package legal

import (
	"strconv"
	"strings"
)

var cnDigit = map[rune]int{
	'零': 0, '一': 1, '二': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

var digitCN = []rune{'零', '一', '二', '三', '四', '五', '六', '七', '八', '九'}

var cnUnit = map[rune]int{'十': 10, '百': 100, '千': 1000}

// isNumeralRune reports whether r can appear inside a 第...条/章/节/编 numeral.
func isNumeralRune(r rune) bool {
	if r >= '0' && r <= '9' {
		return true
	}
	if _, ok := cnDigit[r]; ok {
		return true
	}
	if _, ok := cnUnit[r]; ok {
		return true
	}
	return false
}

// parseNumeral parses either Arabic digits or a Chinese numeral (up to
// 9999, the range legal articles/chapters realistically use) into an int.
func parseNumeral(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if isASCIIDigits(raw) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return parseChineseNumeral(raw)
}

func isASCIIDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseChineseNumeral converts a Chinese numeral string (e.g. "三十",
// "一千一百九十八", "十三") into an int. It tolerates both the canonical
// form (leading "十" without "一") and the spelled-out "一十" form, which
// makes normalization idempotent: parsing our own output reproduces the
// same value.
func parseChineseNumeral(s string) (int, bool) {
	total := 0
	num := 0
	seenAny := false
	for _, r := range s {
		switch {
		case r == '零':
			num = 0
			seenAny = true
		case cnDigit[r] != 0 || r == '零':
			num = cnDigit[r]
			seenAny = true
		default:
			if unit, ok := cnUnit[r]; ok {
				if num == 0 {
					num = 1 // "十三" implies one ten, not zero tens
				}
				total += num * unit
				num = 0
				seenAny = true
			} else {
				return 0, false
			}
		}
	}
	total += num
	if !seenAny {
		return 0, false
	}
	return total, true
}

// chineseNumeral renders n (0 < n < 10000) as a canonical Chinese numeral,
// using the standard legal/financial reading: "十三", "二十", "一百零一",
// "一千一百九十八".
func chineseNumeral(n int) string {
	if n <= 0 {
		return string(digitCN[0])
	}
	if n >= 10000 {
		// Outside the realistic range for a single article/chapter marker;
		// fall back to digit-by-digit rendering rather than guessing.
		var b strings.Builder
		for _, r := range strconv.Itoa(n) {
			b.WriteRune(digitCN[r-'0'])
		}
		return b.String()
	}

	digits := [4]int{n / 1000 % 10, n / 100 % 10, n / 10 % 10, n % 10}
	units := [4]string{"千", "百", "十", ""}

	var b strings.Builder
	started := false
	lastZero := false
	for i, d := range digits {
		if d == 0 {
			if started && !lastZero {
				b.WriteRune('零')
				lastZero = true
			}
			continue
		}
		b.WriteRune(digitCN[d])
		b.WriteString(units[i])
		started = true
		lastZero = false
	}
	out := strings.TrimRight(b.String(), "零")

	if n >= 10 && n < 20 {
		out = strings.TrimPrefix(out, "一")
	}
	return out
}

// NormalizeNumeral takes the numeral portion captured between "第" and a
// hierarchy marker (条/章/节/编) — either Arabic digits or a Chinese
// numeral — and returns its canonical Chinese form. Normalization is
// idempotent: NormalizeNumeral(NormalizeNumeral(x)) == NormalizeNumeral(x).
func NormalizeNumeral(raw string) (string, bool) {
	n, ok := parseNumeral(raw)
	if !ok {
		return "", false
	}
	return chineseNumeral(n), true
}

// NormalizeLabel normalizes a full "第<numeral><marker>" label, e.g.
// "第30条" -> "第三十条", "第1198条" -> "第一千一百九十八条".
func NormalizeLabel(raw string, marker rune) (string, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "第"), string(marker))
	cn, ok := NormalizeNumeral(inner)
	if !ok {
		return "", false
	}
	return "第" + cn + string(marker), true
}
