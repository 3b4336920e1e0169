package export

import "fmt"

// Presentation labels, keyed by the tier and wallet-tag values the
// evaluation phases emit. Unknown values pass through unchanged.
var tierLabels = map[string]string{
	"exceptional":  "Exceptional",
	"strong":       "Strong",
	"established":  "Established",
	"developing":   "Developing",
	"emerging":     "Emerging",
	"insufficient": "Insufficient Data",
}

var walletLabels = map[string]string{
	"ZAKAT-ELIGIBLE":    "Zakat Eligible",
	"SADAQAH-ELIGIBLE":  "Sadaqah Eligible",
	"SADAQAH-STRATEGIC": "Strategic Sadaqah",
	"SADAQAH-GENERAL":   "General Sadaqah",
	"INSUFFICIENT-DATA": "Insufficient Data",
}

// UISignals derives the ui_signals_v1 block, the precomputed
// presentation hints frontends read instead of the raw scores.
func UISignals(tier string, amalEval map[string]any, citationCount int) map[string]any {
	signals := map[string]any{
		"tier_label":     label(tierLabels, tier),
		"citation_count": citationCount,
	}
	if tag, ok := amalEval["wallet_tag"].(string); ok {
		signals["wallet_tag_label"] = label(walletLabels, tag)
	}
	if score, ok := amalEval["amal_score"].(float64); ok {
		signals["score_display"] = fmt.Sprintf("%.0f", score)
	}
	if conf, ok := amalEval["confidence_scores"].(map[string]any); ok {
		if dc, ok := conf["data_confidence"].(float64); ok {
			signals["confidence_label"] = confidenceLabel(dc)
		}
	}
	return signals
}

func confidenceLabel(dc float64) string {
	switch {
	case dc >= 0.7:
		return "High"
	case dc >= 0.4:
		return "Moderate"
	default:
		return "Low"
	}
}

func label(m map[string]string, key string) string {
	if l, ok := m[key]; ok {
		return l
	}
	return key
}
