// Package planmeta recovers structured plan variants from free-form agent
// output. The agent is instructed to embed a JSON array between two
// occurrences of a fixed sentinel token; because the surrounding text
// channel is unstructured, the payload frequently arrives mangled. Parsing
// degrades through three tiers — parse as-is, parse after syntactic repair,
// regex-scrape field triples — and never fails: callers always get a slice,
// possibly empty.
package planmeta

import (
	"encoding/json"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/logging"
)

// Sentinel delimits the metadata block inside agent output.
const Sentinel = "__SPARK_PLAN_META__"

var (
	blockRegex    = regexp.MustCompile(`__SPARK_PLAN_META__\s*([\s\S]*?)\s*__SPARK_PLAN_META__`)
	doubledQuotes = regexp.MustCompile(`""+`)
	missingComma  = regexp.MustCompile(`\}\s*\{`)
	trailingComma = regexp.MustCompile(`,\s*\]`)
	fieldTriple   = regexp.MustCompile(`"index"\s*:\s*(\d+)\s*,\s*"title"\s*:\s*"([^"]*?)"\s*,\s*"description"\s*:\s*"([^"]*?)"`)
)

// Parse extracts plan variants from output. It returns an empty slice when
// no sentinel block exists or nothing parses at any tier.
func Parse(output string) []annotation.PlanVariant {
	m := blockRegex.FindStringSubmatch(output)
	if m == nil {
		return []annotation.PlanVariant{}
	}
	raw := m[1]

	// Tier 1: the block is valid JSON as-is.
	if variants, ok := tryParse(raw); ok {
		return variants
	}

	// Tier 2: apply syntactic repairs and retry.
	repaired := doubledQuotes.ReplaceAllString(raw, `"`)
	repaired = missingComma.ReplaceAllString(repaired, "}, {")
	repaired = trailingComma.ReplaceAllString(repaired, "]")

	if variants, ok := tryParse(repaired); ok {
		logging.Default().Warn("plan metadata required JSON repair")
		return variants
	}

	// Tier 3: scrape index/title/description triples, ignoring structure.
	variants := scrape(repaired)
	if len(variants) > 0 {
		logging.Default().Warn("plan metadata recovered via regex fallback", "count", len(variants))
	} else {
		logging.Default().Warn("plan metadata block present but unparseable", "raw", truncate(raw, 300))
	}
	return variants
}

func tryParse(raw string) ([]annotation.PlanVariant, bool) {
	var variants []annotation.PlanVariant
	if err := json.Unmarshal([]byte(raw), &variants); err != nil {
		return nil, false
	}
	return variants, true
}

func scrape(raw string) []annotation.PlanVariant {
	variants := []annotation.PlanVariant{}
	for _, m := range fieldTriple.FindAllStringSubmatch(raw, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		variants = append(variants, annotation.PlanVariant{
			Index:       idx,
			Title:       m[2],
			Description: m[3],
		})
	}
	return variants
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
