package match

import "testing"

func TestBigramDiceIdentity(t *testing.T) {
	if got := BigramDice("Sony WH-1000XM5", "Sony WH-1000XM5"); got != 1 {
		t.Fatalf("identical titles: got %v, want 1", got)
	}
}

func TestBigramDiceSymmetry(t *testing.T) {
	a := "Nintendo Switch 有機ELモデル ホワイト"
	b := "任天堂 スイッチ 有機EL ホワイト 本体"
	if x, y := BigramDice(a, b), BigramDice(b, a); x != y {
		t.Fatalf("not symmetric: %v vs %v", x, y)
	}
}

func TestBigramDiceDisjoint(t *testing.T) {
	if got := BigramDice("abcd", "wxyz"); got != 0 {
		t.Fatalf("disjoint strings: got %v, want 0", got)
	}
}

func TestBigramDiceShortInput(t *testing.T) {
	if got := BigramDice("a", "some title"); got != 0 {
		t.Fatalf("single-rune input: got %v, want 0", got)
	}
	if got := BigramDice("", ""); got != 0 {
		t.Fatalf("empty input: got %v, want 0", got)
	}
}

func TestBigramDiceIgnoresCaseAndSpace(t *testing.T) {
	if got := BigramDice("Game Boy Color", "gameboycolor"); got != 1 {
		t.Fatalf("case/space folding: got %v, want 1", got)
	}
}

func TestScoreBounds(t *testing.T) {
	cfg := DefaultConfig()
	pairs := [][2]string{
		{"Acme Blender X100V", "Acme Blender X200V"},
		{"Sony WH-1000XM5 Black", "Bose QC45 Black"},
		{"", "anything"},
		{"同一商品タイトル", "同一商品タイトル"},
	}
	for _, p := range pairs {
		got := Score(p[0], p[1], cfg)
		if got < 0 || got > 1 {
			t.Fatalf("Score(%q, %q) = %v, out of [0,1]", p[0], p[1], got)
		}
	}
}

func TestScoreIdenticalTitle(t *testing.T) {
	cfg := DefaultConfig()
	title := "Sony WH-1000XM5 Wireless Headphones"
	if got := Score(title, title, cfg); got != 1 {
		t.Fatalf("identical title: got %v, want 1", got)
	}
}

func TestScoreModelNumberMismatchPenalized(t *testing.T) {
	cfg := DefaultConfig()
	a := "Acme Blender X100V"
	b := "Acme Blender X200V"

	base := BigramDice(a, b)
	if base < 0.8 {
		t.Fatalf("expected high bigram similarity, got %v", base)
	}
	got := Score(a, b, cfg)
	if got >= cfg.Threshold {
		t.Fatalf("disjoint model numbers must not clear the match threshold: score %v, threshold %v", got, cfg.Threshold)
	}
	if got >= base {
		t.Fatalf("penalty not applied: score %v, base %v", got, base)
	}
}

func TestScoreModelNumberContainment(t *testing.T) {
	// A marketplace listing often appends a suffix to the same model token;
	// containment must not trigger the penalty.
	cfg := DefaultConfig()
	a := "Sony WH-1000XM5"
	b := "Sony WH-1000XM5-B ヘッドホン"
	if modelNumbersDisjoint(a, b) {
		t.Fatalf("contained model token reported as disjoint")
	}
	if got := Score(a, b, cfg); got < cfg.CandidateFloor {
		t.Fatalf("same-model listing scored below candidate floor: %v", got)
	}
}

func TestModelTokensSkipBareNumbers(t *testing.T) {
	// Years and counts are not model numbers.
	toks := modelTokens("Limited Edition 2023 Box of 100")
	for tok := range toks {
		if allDigits(tok) {
			t.Fatalf("bare digit run %q kept as model token", tok)
		}
	}
}

func TestSpecTokensDisjoint(t *testing.T) {
	if !specTokensDisjoint("SSD 1TB 外付け", "SSD 2TB 外付け") {
		t.Fatalf("different capacities should be disjoint")
	}
	if specTokensDisjoint("SSD 1TB 外付け", "SSD 1TB ポータブル") {
		t.Fatalf("same capacity should overlap")
	}
	if specTokensDisjoint("no specs here", "1TB drive") {
		t.Fatalf("one side without spec tokens must not count as disjoint")
	}
}

func TestBrandsDiffer(t *testing.T) {
	cfg := DefaultConfig()
	if brandsDiffer("Sony WH-1000XM5", "SONY wh-1000xm5 中古", cfg.BrandSimilarityFloor) {
		t.Fatalf("same brand flagged as different")
	}
	if !brandsDiffer("Sony WH-1000XM5", "Panasonic RZ-S500W", cfg.BrandSimilarityFloor) {
		t.Fatalf("different brands not flagged")
	}
}

func TestCleanQuery(t *testing.T) {
	got := CleanQuery("【新品未開封】 Sony WH-1000XM5 ワイヤレス ノイズキャンセリング ヘッドホン ブラック 国内正規品", 6)
	want := "新品未開封 Sony WH-1000XM5 ワイヤレス ノイズキャンセリング ヘッドホン"
	if got != want {
		t.Fatalf("CleanQuery: got %q, want %q", got, want)
	}
}

func TestCleanQueryDropsShortTokens(t *testing.T) {
	got := CleanQuery("a PS5 本体 b 新品", 10)
	want := "PS5 本体 新品"
	if got != want {
		t.Fatalf("CleanQuery: got %q, want %q", got, want)
	}
}

func TestCleanQueryDefaultCap(t *testing.T) {
	got := CleanQuery("one two three four five six seven eight", 0)
	want := "one two three four five six"
	if got != want {
		t.Fatalf("CleanQuery: got %q, want %q", got, want)
	}
}
