// Package prompt renders annotation jobs into the markdown prompts sent
// to the coding agent. The layout is tuned for fast element location:
// selectors first, rules last, everything size-capped so a noisy DOM
// capture cannot blow up the context window.
package prompt

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/planmeta"
)

const (
	maxTextContent = 500
	maxNearbyText  = 500
	maxAttrValue   = 200
)

// Build renders the standard UI-fix prompt for an annotation.
func Build(a *annotation.Annotation) string {
	var sb strings.Builder

	sb.WriteString("# UI Fix Request\n\n")
	sb.WriteString("**URGENT**: A user is pointing at a specific element in the running app and wants it changed. ")
	sb.WriteString("Find the source for that exact element and make the requested change.\n\n")

	sb.WriteString("## User Request\n\n")
	sb.WriteString(fmt.Sprintf("%q\n\n", a.Comment))

	if a.SelectedText != "" {
		sb.WriteString(fmt.Sprintf("**Selected text**: %q\n\n", a.SelectedText))
	}

	sb.WriteString("## Target Element\n\n")
	writeElementTable(&sb, &a.Element)

	if a.Element.TextContent != "" {
		sb.WriteString("### Element Text Content\n\n")
		sb.WriteString("```\n")
		sb.WriteString(truncate(a.Element.TextContent, maxTextContent))
		sb.WriteString("\n```\n\n")
	}

	if a.Element.NearbyText != "" {
		sb.WriteString("### Nearby Text (context)\n\n")
		sb.WriteString("```\n")
		sb.WriteString(truncate(a.Element.NearbyText, maxNearbyText))
		sb.WriteString("\n```\n\n")
	}

	sb.WriteString("## Rules\n\n")
	sb.WriteString("- Search the codebase with `rg` for the Generic Selector, CSS classes, or text content to locate the component.\n")
	sb.WriteString("- Prefer the Generic Selector over the unique one; generated ids rarely appear in source.\n")
	sb.WriteString("- Change only what the request asks for. No refactors, no drive-by cleanups.\n")
	sb.WriteString("- If the element cannot be found, say so instead of guessing.\n")

	return sb.String()
}

func writeElementTable(sb *strings.Builder, el *annotation.Element) {
	sb.WriteString("| Property | Value |\n")
	sb.WriteString("| --- | --- |\n")
	sb.WriteString(fmt.Sprintf("| **Tag** | `<%s>` |\n", el.TagName))
	if el.GenericSelector != "" {
		sb.WriteString(fmt.Sprintf("| **Generic Selector** | `%s` |\n", el.GenericSelector))
	}
	if el.Selector != "" {
		sb.WriteString(fmt.Sprintf("| **Unique Selector** | `%s` |\n", el.Selector))
	}
	if el.FullPath != "" {
		sb.WriteString(fmt.Sprintf("| **Full DOM Path** | `%s` |\n", el.FullPath))
	}
	if el.ParentSelector != "" {
		sb.WriteString(fmt.Sprintf("| **Parent** | `%s` |\n", el.ParentSelector))
	}
	if len(el.CSSClasses) > 0 {
		classes := make([]string, len(el.CSSClasses))
		for i, c := range el.CSSClasses {
			classes[i] = fmt.Sprintf("`.%s`", c)
		}
		sb.WriteString(fmt.Sprintf("| **CSS Classes** | %s |\n", strings.Join(classes, " ")))
	}
	for _, key := range sortedKeys(el.Attributes) {
		sb.WriteString(fmt.Sprintf("| **attr: %s** | `%s` |\n", key, truncate(el.Attributes[key], maxAttrValue)))
	}
	b := el.BoundingBox
	sb.WriteString(fmt.Sprintf("| **Position** | x=%g, y=%g, w=%g, h=%g |\n", b.X, b.Y, b.Width, b.Height))
	sb.WriteString("\n")
}

// BuildPlan renders the planning variant of the prompt: instead of
// applying a change, the agent proposes three distinct approaches and
// embeds them as machine-readable metadata for the overlay to render.
func BuildPlan(a *annotation.Annotation) string {
	var sb strings.Builder

	sb.WriteString(Build(a))
	sb.WriteString("\n## Planning Mode\n\n")
	sb.WriteString("Do NOT apply any changes yet. Instead, propose exactly 3 distinct approaches to satisfy the request.\n\n")
	sb.WriteString("After describing the approaches in prose, emit a metadata block in exactly this form:\n\n")
	sb.WriteString(planmeta.Sentinel + "\n")
	sb.WriteString("[\n")
	sb.WriteString("  {\"index\": 1, \"title\": \"short name\", \"description\": \"one sentence\"},\n")
	sb.WriteString("  {\"index\": 2, \"title\": \"short name\", \"description\": \"one sentence\"},\n")
	sb.WriteString("  {\"index\": 3, \"title\": \"short name\", \"description\": \"one sentence\"}\n")
	sb.WriteString("]\n")
	sb.WriteString(planmeta.Sentinel + "\n\n")
	sb.WriteString("The block must be valid JSON. Keep titles under 6 words.\n")

	return sb.String()
}

// BuildPlanApply renders the follow-up prompt that applies one of the
// previously proposed approaches.
func BuildPlanApply(index int) string {
	return fmt.Sprintf(
		"Apply approach %d from the plan you proposed earlier. Implement it fully now. "+
			"Do not re-describe the plan or emit another metadata block.", index)
}

// BuildPlanCancel renders the follow-up prompt that abandons the plan.
func BuildPlanCancel() string {
	return "The user declined all proposed approaches. Do not apply any changes. " +
		"Acknowledge briefly and stop."
}

// BuildImageApply renders the prompt that asks the agent to reproduce a
// generated UI mock in code. originalPath and targetPath point at PNG
// files on disk holding the current and desired state of the region.
func BuildImageApply(s *annotation.Suggestion, instruction string, region annotation.Region, originalPath, targetPath, regionElements string) string {
	var sb strings.Builder

	sb.WriteString("# UI Redesign Request\n\n")
	sb.WriteString("A user selected a region of the running app and picked a generated redesign of it. ")
	sb.WriteString("Update the source so the region matches the target image.\n\n")

	sb.WriteString("## User Request\n\n")
	sb.WriteString(fmt.Sprintf("%q\n\n", instruction))

	sb.WriteString("## Chosen Direction\n\n")
	sb.WriteString(fmt.Sprintf("**%s**: %s\n\n", s.Title, s.Description))

	sb.WriteString("## Reference Images\n\n")
	sb.WriteString(fmt.Sprintf("- Current state: `%s`\n", originalPath))
	sb.WriteString(fmt.Sprintf("- Target state: `%s`\n\n", targetPath))
	sb.WriteString("Read both images before changing anything.\n\n")

	sb.WriteString("## Region\n\n")
	sb.WriteString(fmt.Sprintf("Page coordinates: x=%g, y=%g, w=%g, h=%g\n\n", region.X, region.Y, region.Width, region.Height))

	if regionElements != "" {
		sb.WriteString("## Elements In Region\n\n")
		sb.WriteString("```\n")
		sb.WriteString(truncate(regionElements, 2000))
		sb.WriteString("\n```\n\n")
	}

	sb.WriteString("## Rules\n\n")
	sb.WriteString("- Match the target image's layout, spacing, and colors as closely as the existing design system allows.\n")
	sb.WriteString("- Touch only components rendered inside the region.\n")
	sb.WriteString("- Reuse existing styles and tokens before inventing new ones.\n")

	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
