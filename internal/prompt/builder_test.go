package prompt

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
)

func makeAnnotation() *annotation.Annotation {
	return &annotation.Annotation{
		ID:      "test-1",
		Comment: "Make this button red",
		Type:    annotation.TypeClick,
		Status:  annotation.StatusPending,
		Element: annotation.Element{
			Selector:        "#submit-btn",
			GenericSelector: "button.btn-primary",
			FullPath:        "body > div.app > form > button.btn-primary",
			TagName:         "button",
			TextContent:     "Submit",
			CSSClasses:      []string{"btn-primary", "large"},
			Attributes:      map[string]string{"type": "submit", "data-testid": "submit-btn"},
			BoundingBox:     annotation.BoundingBox{X: 100, Y: 200, Width: 120, Height: 40},
			ParentSelector:  "form.login-form",
			NearbyText:      "Username ... [Submit] ... Cancel",
		},
	}
}

func TestBuild_Structure(t *testing.T) {
	got := Build(makeAnnotation())

	lines := strings.Split(got, "\n")
	if lines[0] != "# UI Fix Request" {
		t.Errorf("first line = %q, want %q", lines[0], "# UI Fix Request")
	}

	// Main sections appear in order.
	sections := []string{"# UI Fix Request", "## User Request", "## Target Element", "## Rules"}
	last := -1
	for _, section := range sections {
		idx := strings.Index(got, section)
		if idx <= last {
			t.Errorf("section %q out of order (index %d, previous %d)", section, idx, last)
		}
		last = idx
	}

	if !strings.Contains(got, "URGENT") {
		t.Error("prompt should contain the URGENT notice")
	}
}

func TestBuild_UserRequest(t *testing.T) {
	a := makeAnnotation()
	a.Comment = "Fix spacing"
	got := Build(a)

	if !strings.Contains(got, `"Fix spacing"`) {
		t.Error("prompt should quote the user comment")
	}
}

func TestBuild_SelectedText(t *testing.T) {
	a := makeAnnotation()
	a.SelectedText = "Hello World"
	got := Build(a)
	if !strings.Contains(got, `**Selected text**: "Hello World"`) {
		t.Error("prompt should include selected text when provided")
	}

	a.SelectedText = ""
	got = Build(a)
	if strings.Contains(got, "**Selected text**") {
		t.Error("prompt should omit selected text when absent")
	}
}

func TestBuild_ElementTable(t *testing.T) {
	got := Build(makeAnnotation())

	for _, want := range []string{
		"| **Tag** | `<button>` |",
		"| **Generic Selector** | `button.btn-primary` |",
		"| **Unique Selector** | `#submit-btn` |",
		"| **Full DOM Path** | `body > div.app > form > button.btn-primary` |",
		"| **Parent** | `form.login-form` |",
		"`.btn-primary`",
		"`.large`",
		"| **attr: type** | `submit` |",
		"| **attr: data-testid** | `submit-btn` |",
		"x=100, y=200, w=120, h=40",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuild_OmitsEmptyRows(t *testing.T) {
	a := makeAnnotation()
	a.Element.CSSClasses = nil
	a.Element.Attributes = nil
	a.Element.TextContent = ""
	a.Element.NearbyText = ""
	got := Build(a)

	if strings.Contains(got, "**CSS Classes**") {
		t.Error("empty class list should omit the CSS Classes row")
	}
	if strings.Contains(got, "**attr:") {
		t.Error("empty attributes should omit attr rows")
	}
	if strings.Contains(got, "### Element Text Content") {
		t.Error("empty text content should omit the section")
	}
	if strings.Contains(got, "### Nearby Text (context)") {
		t.Error("empty nearby text should omit the section")
	}
}

func TestBuild_TextSections(t *testing.T) {
	got := Build(makeAnnotation())

	if !strings.Contains(got, "### Element Text Content") || !strings.Contains(got, "Submit") {
		t.Error("prompt should include element text content")
	}
	if !strings.Contains(got, "### Nearby Text (context)") || !strings.Contains(got, "Username ... [Submit] ... Cancel") {
		t.Error("prompt should include nearby text")
	}
}

func TestBuild_Truncation(t *testing.T) {
	a := makeAnnotation()
	a.Element.TextContent = strings.Repeat("a", 600)
	a.Element.NearbyText = strings.Repeat("b", 600)
	a.Element.Attributes = map[string]string{"href": strings.Repeat("x", 300)}
	got := Build(a)

	textSection := section(t, got, "### Element Text Content")
	if block := codeBlock(t, textSection); len(strings.TrimSpace(block)) > 500 {
		t.Errorf("text content block length = %d, want <= 500", len(strings.TrimSpace(block)))
	}

	nearbySection := section(t, got, "### Nearby Text (context)")
	if block := codeBlock(t, nearbySection); len(strings.TrimSpace(block)) > 500 {
		t.Errorf("nearby text block length = %d, want <= 500", len(strings.TrimSpace(block)))
	}

	attrLine := ""
	for _, line := range strings.Split(got, "\n") {
		if strings.Contains(line, "**attr: href**") {
			attrLine = line
		}
	}
	if attrLine == "" {
		t.Fatal("prompt missing attr: href row")
	}
	start := strings.Index(attrLine, "`")
	end := strings.LastIndex(attrLine, "`")
	if end-start-1 > 200 {
		t.Errorf("attribute value length = %d, want <= 200", end-start-1)
	}
}

func TestBuild_Rules(t *testing.T) {
	got := Build(makeAnnotation())
	if !strings.Contains(got, "## Rules") {
		t.Error("prompt should include a Rules section")
	}
	if !strings.Contains(got, "rg") || !strings.Contains(got, "Generic Selector") {
		t.Error("rules should mention rg and the Generic Selector")
	}
}

func TestBuild_MinimalAnnotation(t *testing.T) {
	a := makeAnnotation()
	a.Comment = ""
	a.Element.TextContent = ""
	a.Element.NearbyText = ""
	a.Element.CSSClasses = nil
	a.Element.Attributes = nil
	got := Build(a)

	if !strings.Contains(got, "# UI Fix Request") || !strings.Contains(got, "## Rules") {
		t.Error("minimal annotation should still render the full skeleton")
	}
}

func TestBuildPlan(t *testing.T) {
	got := BuildPlan(makeAnnotation())

	if !strings.Contains(got, "# UI Fix Request") {
		t.Error("plan prompt should embed the base prompt")
	}
	if !strings.Contains(got, "## Planning Mode") {
		t.Error("plan prompt should include the planning section")
	}
	if strings.Count(got, "__SPARK_PLAN_META__") != 2 {
		t.Errorf("plan prompt should show the sentinel twice, got %d", strings.Count(got, "__SPARK_PLAN_META__"))
	}
	if !strings.Contains(got, "exactly 3 distinct approaches") {
		t.Error("plan prompt should ask for 3 approaches")
	}
}

func TestBuildPlanApply(t *testing.T) {
	got := BuildPlanApply(2)
	if !strings.Contains(got, "approach 2") {
		t.Errorf("apply prompt should name the approach index, got %q", got)
	}
	if strings.Contains(got, "__SPARK_PLAN_META__") {
		t.Error("apply prompt should not re-request metadata")
	}
}

func TestBuildPlanCancel(t *testing.T) {
	got := BuildPlanCancel()
	if !strings.Contains(got, "Do not apply any changes") {
		t.Errorf("cancel prompt should forbid changes, got %q", got)
	}
}

func TestBuildImageApply(t *testing.T) {
	s := &annotation.Suggestion{
		ID:          "sugg-1",
		Title:       "Bolder CTA",
		Description: "Larger button with brand color",
	}
	region := annotation.Region{X: 10, Y: 20, Width: 300, Height: 150}

	got := BuildImageApply(s, "make the checkout stand out", region, "/tmp/orig.png", "/tmp/target.png", "<button>Buy</button>")

	for _, want := range []string{
		"# UI Redesign Request",
		`"make the checkout stand out"`,
		"**Bolder CTA**: Larger button with brand color",
		"`/tmp/orig.png`",
		"`/tmp/target.png`",
		"x=10, y=20, w=300, h=150",
		"<button>Buy</button>",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("image prompt missing %q", want)
		}
	}
}

func TestBuildImageApply_OmitsEmptyRegionElements(t *testing.T) {
	s := &annotation.Suggestion{Title: "T", Description: "D"}
	got := BuildImageApply(s, "x", annotation.Region{}, "/a.png", "/b.png", "")
	if strings.Contains(got, "## Elements In Region") {
		t.Error("empty region elements should omit the section")
	}
}

func section(t *testing.T, s, heading string) string {
	t.Helper()
	_, after, found := strings.Cut(s, heading)
	if !found {
		t.Fatalf("prompt missing section %q", heading)
	}
	return after
}

func codeBlock(t *testing.T, s string) string {
	t.Helper()
	parts := strings.Split(s, "```")
	if len(parts) < 2 {
		t.Fatal("section missing code block")
	}
	return parts[1]
}
