package planmeta

import (
	"testing"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
)

func TestParse_ValidBlock(t *testing.T) {
	output := `Some agent chatter.
__SPARK_PLAN_META__[{"index":0,"title":"A","description":"d"}]__SPARK_PLAN_META__
Trailing text.`

	variants := Parse(output)
	if len(variants) != 1 {
		t.Fatalf("Parse() returned %d variants, want 1", len(variants))
	}
	want := annotation.PlanVariant{Index: 0, Title: "A", Description: "d"}
	if variants[0] != want {
		t.Errorf("Parse() = %+v, want %+v", variants[0], want)
	}
}

func TestParse_MultipleVariants(t *testing.T) {
	output := `__SPARK_PLAN_META__[
		{"index":0,"title":"Minimal","description":"CSS-only tweak"},
		{"index":1,"title":"Refactor","description":"Extract a component"}
	]__SPARK_PLAN_META__`

	variants := Parse(output)
	if len(variants) != 2 {
		t.Fatalf("Parse() returned %d variants, want 2", len(variants))
	}
	if variants[1].Index != 1 || variants[1].Title != "Refactor" {
		t.Errorf("second variant = %+v", variants[1])
	}
}

func TestParse_RepairsMissingSeparator(t *testing.T) {
	// Two adjacent objects with no comma between them.
	output := `__SPARK_PLAN_META__[{"index":0,"title":"A","description":"a"} {"index":1,"title":"B","description":"b"}]__SPARK_PLAN_META__`

	variants := Parse(output)
	if len(variants) != 2 {
		t.Fatalf("Parse() returned %d variants, want 2", len(variants))
	}
	if variants[0].Index != 0 || variants[1].Index != 1 {
		t.Errorf("indices = %d, %d; want 0, 1", variants[0].Index, variants[1].Index)
	}
}

func TestParse_RepairsTrailingComma(t *testing.T) {
	output := `__SPARK_PLAN_META__[{"index":0,"title":"A","description":"a"},]__SPARK_PLAN_META__`

	variants := Parse(output)
	if len(variants) != 1 {
		t.Fatalf("Parse() returned %d variants, want 1", len(variants))
	}
}

func TestParse_RepairsDoubledQuotes(t *testing.T) {
	output := `__SPARK_PLAN_META__[{""index"":0,""title"":""A"",""description"":""a""}]__SPARK_PLAN_META__`

	variants := Parse(output)
	if len(variants) != 1 {
		t.Fatalf("Parse() returned %d variants, want 1", len(variants))
	}
	if variants[0].Title != "A" {
		t.Errorf("Title = %q, want %q", variants[0].Title, "A")
	}
}

func TestParse_RegexFallback(t *testing.T) {
	// Structurally invalid JSON; the field triple is still recoverable.
	output := `__SPARK_PLAN_META__garbage "index": 2, "title": "C", "description": "z" more garbage__SPARK_PLAN_META__`

	variants := Parse(output)
	if len(variants) != 1 {
		t.Fatalf("Parse() returned %d variants, want 1", len(variants))
	}
	want := annotation.PlanVariant{Index: 2, Title: "C", Description: "z"}
	if variants[0] != want {
		t.Errorf("Parse() = %+v, want %+v", variants[0], want)
	}
}

func TestParse_NoSentinelBlock(t *testing.T) {
	for _, output := range []string{
		"",
		"plain text with no sentinel",
		"__SPARK_PLAN_META__ only one occurrence",
	} {
		variants := Parse(output)
		if variants == nil {
			t.Fatal("Parse() returned nil, want empty slice")
		}
		if len(variants) != 0 {
			t.Errorf("Parse(%q) returned %d variants, want 0", output, len(variants))
		}
	}
}

func TestParse_UnparseableBlock(t *testing.T) {
	output := `__SPARK_PLAN_META__{not json, not even triples}__SPARK_PLAN_META__`

	variants := Parse(output)
	if len(variants) != 0 {
		t.Errorf("Parse() returned %d variants, want 0", len(variants))
	}
}
