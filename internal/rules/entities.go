package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	isoDateRe     = regexp.MustCompile(`(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})`)
	monthDayRe    = regexp.MustCompile(`(\d{1,2})月(\d{1,2})[日号]`)
	currencyRe    = regexp.MustCompile(`[¥￥$]\s*(\d+(?:\.\d+)?)`)
	unitAmountRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:块钱|元|块|rmb|yuan|dollars?)`)
	cnAmountRe    = regexp.MustCompile(`([零一二两三四五六七八九十百千万]+)\s*(?:块钱|元|块)`)
	bareNumberRe  = regexp.MustCompile(`\d+(?:\.\d+)?`)
	numberSuffixs = "月号日点年天笔条个次%岁楼"
)

var relativeDays = []struct {
	word   string
	offset int
}{
	{"大前天", -3},
	{"前天", -2},
	{"昨天", -1},
	{"昨日", -1},
	{"yesterday", -1},
	{"今天", 0},
	{"今日", 0},
	{"today", 0},
}

// ExtractEntities pulls amount, date, category, period and reference
// entities out of text.
func (e *Engine) ExtractEntities(text string) map[string]any {
	out := make(map[string]any)
	lower := strings.ToLower(text)
	now := e.now()

	if d, ok := ParseDate(text, now); ok {
		out["date"] = d.Format("2006-01-02")
	}
	stripped := isoDateRe.ReplaceAllString(text, " ")
	stripped = monthDayRe.ReplaceAllString(stripped, " ")
	if amount, ok := parseAmount(stripped); ok {
		out["amount"] = amount
	}
	for _, kw := range e.categories {
		if strings.Contains(lower, kw.word) {
			out["category"] = kw.value
			break
		}
	}
	for _, kw := range e.periods {
		if strings.Contains(lower, kw.word) {
			out["period"] = kw.value
			break
		}
	}
	for _, ref := range e.table.References {
		if strings.Contains(lower, strings.ToLower(ref)) {
			out["targetRef"] = "last"
			break
		}
	}
	return out
}

func parseAmount(text string) (float64, bool) {
	for _, re := range []*regexp.Regexp{currencyRe, unitAmountRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil {
				return f, true
			}
		}
	}
	if m := cnAmountRe.FindStringSubmatch(text); m != nil {
		if f, ok := ParseChineseNumber(m[1]); ok {
			return f, true
		}
	}
	var candidates []string
	for _, loc := range bareNumberRe.FindAllStringIndex(text, -1) {
		if next, _ := utf8.DecodeRuneInString(text[loc[1]:]); next != utf8.RuneError && strings.ContainsRune(numberSuffixs, next) {
			continue
		}
		candidates = append(candidates, text[loc[0]:loc[1]])
	}
	if len(candidates) == 1 {
		if f, err := strconv.ParseFloat(candidates[0], 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ParseDate resolves ISO dates, M月D日 and relative day words against now.
func ParseDate(text string, now time.Time) (time.Time, bool) {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if valid(mo, d) {
			return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, now.Location()), true
		}
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		if valid(mo, d) {
			return time.Date(now.Year(), time.Month(mo), d, 0, 0, 0, 0, now.Location()), true
		}
	}
	lower := strings.ToLower(text)
	for _, rd := range relativeDays {
		if strings.Contains(lower, rd.word) {
			y, mo, d := now.AddDate(0, 0, rd.offset).Date()
			return time.Date(y, mo, d, 0, 0, 0, 0, now.Location()), true
		}
	}
	return time.Time{}, false
}

func valid(month, day int) bool {
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

var cnDigits = map[rune]int{'零': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4, '五': 5, '六': 6, '七': 7, '八': 8, '九': 9}
var cnUnits = map[rune]int{'十': 10, '百': 100, '千': 1000}

// ParseChineseNumber converts numerals like 三十五 or 一万二千 to a number.
func ParseChineseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	total, section, num := 0, 0, 0
	for _, r := range s {
		if d, ok := cnDigits[r]; ok {
			num = d
			continue
		}
		if u, ok := cnUnits[r]; ok {
			if num == 0 && u == 10 {
				num = 1
			}
			section += num * u
			num = 0
			continue
		}
		if r == '万' {
			total += (section + num) * 10000
			section, num = 0, 0
			continue
		}
		return 0, false
	}
	return float64(total + section + num), true
}
