package extract

import "sort"

// Field classes from the merge rules. Factual fields trust markup over
// model output; semantic fields trust the model's reading of the page
// over markup snippets.
var factualFields = map[string]bool{
	"identifier":     true,
	"ein":            true,
	"email":          true,
	"phone":          true,
	"address":        true,
	"social":         true,
	"social_media":   true,
	"donate_url":     true,
	"logo_url":       true,
	"name":           true,
	"founded_year":   true,
	"tax_deductible": true,
}

var semanticFields = map[string]bool{
	"mission":             true,
	"vision":              true,
	"tagline":             true,
	"values":              true,
	"programs":            true,
	"target_populations":  true,
	"geographic_coverage": true,
	"impact_metrics":      true,
	"beneficiaries":       true,
	"leadership":          true,
	"additional_info":     true,
}

var factualRank = map[Source]int{
	SourceStructured:    3,
	SourceDeterministic: 2,
	SourceLLM:           1,
}

var semanticRank = map[Source]int{
	SourceLLM:           3,
	SourceStructured:    2,
	SourceDeterministic: 1,
}

// Merged is the combined view of every extraction result for a charity:
// one value per field plus the source that supplied it.
type Merged struct {
	Fields  map[string]any    `json:"fields"`
	Sources map[string]Source `json:"sources"`
}

// Merge combines results from all crawled pages into one value per
// field. Candidates are ranked by source precedence for the field's
// class, then by confidence; ties keep the earliest result.
func Merge(results []Result) Merged {
	byField := make(map[string][]Result)
	for _, r := range results {
		if r.Field == "" || emptyValue(r.Value) {
			continue
		}
		byField[r.Field] = append(byField[r.Field], r)
	}

	merged := Merged{
		Fields:  make(map[string]any, len(byField)),
		Sources: make(map[string]Source, len(byField)),
	}
	for field, candidates := range byField {
		sort.SliceStable(candidates, func(i, j int) bool {
			ri, rj := priorityRank(field, candidates[i].Source), priorityRank(field, candidates[j].Source)
			if ri != rj {
				return ri > rj
			}
			return candidates[i].Confidence > candidates[j].Confidence
		})
		merged.Fields[field] = candidates[0].Value
		merged.Sources[field] = candidates[0].Source
	}
	return merged
}

// priorityRank returns the precedence of a source for one field. Fields
// outside both classes are treated as factual.
func priorityRank(field string, src Source) int {
	if semanticFields[field] {
		return semanticRank[src]
	}
	return factualRank[src]
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
