// Package match scores how likely two product titles describe the same SKU.
//
// The base signal is a character-bigram Dice coefficient. Bigram similarity
// alone over-matches listings that share marketing boilerplate but differ in
// the one token that actually distinguishes products (a model number or a
// capacity), so structural penalties push those pairs below the acceptance
// threshold: precision over recall for the high-confidence tier.
package match

import (
	"regexp"
	"strings"
	"unicode"
)

type Config struct {
	// CandidateFloor is the minimum score for a search hit to appear among
	// match candidates at all. Threshold is the acceptance score for a MATCHED
	// decision. Floor must stay below Threshold; neither value carries domain
	// significance beyond that ordering.
	CandidateFloor float64
	Threshold      float64

	ModelPenalty float64
	SpecPenalty  float64
	BrandPenalty float64

	// BrandSimilarityFloor is the bigram similarity under which the leading
	// tokens of the two titles are treated as different brands.
	BrandSimilarityFloor float64
}

func DefaultConfig() Config {
	return Config{
		CandidateFloor:       0.40,
		Threshold:            0.75,
		ModelPenalty:         0.35,
		SpecPenalty:          0.15,
		BrandPenalty:         0.10,
		BrandSimilarityFloor: 0.30,
	}
}

// Score returns a composite similarity in [0,1] between two product titles.
func Score(a, b string, cfg Config) float64 {
	base := BigramDice(a, b)
	if base == 0 {
		return 0
	}
	score := base
	if modelNumbersDisjoint(a, b) {
		score -= cfg.ModelPenalty
	}
	if specTokensDisjoint(a, b) {
		score -= cfg.SpecPenalty
	}
	if brandsDiffer(a, b, cfg.BrandSimilarityFloor) {
		score -= cfg.BrandPenalty
	}
	if score < 0 {
		return 0
	}
	return score
}

// BigramDice computes the Dice coefficient over character bigrams, case-folded
// and with all whitespace stripped. Titles shorter than two runes score 0.
func BigramDice(a, b string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	sizeA := 0
	for _, n := range ba {
		sizeA += n
	}
	sizeB := 0
	for _, n := range bb {
		sizeB += n
	}
	shared := 0
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			if m < n {
				n = m
			}
			shared += n
		}
	}
	return 2 * float64(shared) / float64(sizeA+sizeB)
}

func bigrams(s string) map[string]int {
	runes := make([]rune, 0, len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			continue
		}
		runes = append(runes, r)
	}
	if len(runes) < 2 {
		return nil
	}
	out := make(map[string]int, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// Model/part-number shapes: a letter-prefixed digit run (X100V, WH-1000XM5),
// a digit-hyphen-letter run (1000-XM), or a long bare alphanumeric code.
var modelTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z]{1,6}-?\d{2,}[A-Za-z0-9-]*`),
	regexp.MustCompile(`\d{2,}-[A-Za-z][A-Za-z0-9-]*`),
	regexp.MustCompile(`[A-Za-z]\d+[A-Za-z]+\d*`),
}

func modelTokens(title string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, re := range modelTokenPatterns {
		for _, tok := range re.FindAllString(title, -1) {
			norm := strings.ToUpper(strings.ReplaceAll(tok, "-", ""))
			// Bare short digit runs are years/counts, not model numbers.
			if len(norm) < 3 || allDigits(norm) {
				continue
			}
			out[norm] = struct{}{}
		}
	}
	return out
}

// modelNumbersDisjoint reports true only when both titles carry model-number
// tokens and none overlap, exactly or by containment in either direction.
// That is a hard signal the listings describe different products.
func modelNumbersDisjoint(a, b string) bool {
	ta := modelTokens(a)
	tb := modelTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	for x := range ta {
		for y := range tb {
			if x == y || strings.Contains(x, y) || strings.Contains(y, x) {
				return false
			}
		}
	}
	return true
}

// Measurable spec markers: capacity, weight, size, count, generation, version.
var specTokenPattern = regexp.MustCompile(
	`(?i)\d+(?:\.\d+)?(?:TB|GB|MB|KB|KG|MG|ML|L|CM|MM|INCH|W|V|WH|MAH|HZ|型|枚|個|本|巻|世代|号)|(?:第\d+世代)|(?:ver\.?\s*\d+(?:\.\d+)?)`,
)

func specTokens(title string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range specTokenPattern.FindAllString(title, -1) {
		out[strings.ToUpper(strings.Join(strings.Fields(tok), ""))] = struct{}{}
	}
	return out
}

func specTokensDisjoint(a, b string) bool {
	ta := specTokens(a)
	tb := specTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	for x := range ta {
		if _, ok := tb[x]; ok {
			return false
		}
	}
	return true
}

// brandProxy joins the first one or two whitespace-separated tokens of the
// title, cleaned of bracket characters. Cheap but effective: marketplace
// listings overwhelmingly lead with the brand.
func brandProxy(title string) string {
	fields := strings.Fields(cleanBrackets(title))
	if len(fields) == 0 {
		return ""
	}
	if len(fields) == 1 {
		return fields[0]
	}
	return fields[0] + fields[1]
}

func brandsDiffer(a, b string, floor float64) bool {
	pa := brandProxy(a)
	pb := brandProxy(b)
	if pa == "" || pb == "" {
		return false
	}
	return BigramDice(pa, pb) < floor
}

var bracketReplacer = strings.NewReplacer(
	"[", " ", "]", " ", "(", " ", ")", " ",
	"【", " ", "】", " ", "（", " ", "）", " ",
	"「", " ", "」", " ", "{", " ", "}", " ",
)

func cleanBrackets(s string) string {
	return bracketReplacer.Replace(s)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
