package extract

import "strings"

const extractionSystemPrompt = `You are a precise extraction engine for charity website pages.

Rules:
1. Respond with a single JSON object matching the requested fields. No prose, no markdown fences.
2. Only report facts stated in the page text. Omit fields the page does not state. Never guess or fill placeholders.
3. Copy names, numbers and quoted statements exactly as written.
4. mission is the organization's own mission statement, not your paraphrase of it.`

// pageTypeGuidance steers the model toward the fields each page type
// actually carries.
var pageTypeGuidance = map[string]string{
	"homepage": "This is the organization's homepage. Prioritize the official name, tagline, mission and donation links.",
	"zakat":    "This page covers zakat or sadaqah. Capture zakat eligibility claims, distribution policy and any 100% donation policy statement in additional_info, plus religious-giving programs.",
	"about":    "This is an about or mission page. Prioritize mission, vision, values, founding year and leadership.",
	"programs": "This page describes programs and services. Enumerate distinct programs with their target populations and geographic coverage.",
	"impact":   "This page reports impact or financials. Capture concrete impact metrics with their numbers and time periods.",
	"donate":   "This is a donation page. Capture donation options, tax-deductibility language and the donation URL if stated.",
	"contact":  "This is a contact page. Prioritize email, phone and postal address.",
	"general":  "Extract whatever organizational facts the page states.",
}

// buildExtractionPrompt assembles the user prompt. When a previous
// attempt failed, its errors are included so the model can correct
// itself instead of repeating them.
func buildExtractionPrompt(text, pageType string, maxContentSize int, prevErr error) string {
	var b strings.Builder
	b.WriteString("Extract organization facts from this charity website page.\n\n")
	if guidance, ok := pageTypeGuidance[pageType]; ok {
		b.WriteString("Page type: ")
		b.WriteString(pageType)
		b.WriteString(". ")
		b.WriteString(guidance)
		b.WriteString("\n\n")
	}
	if prevErr != nil {
		b.WriteString("Your previous attempt was rejected:\n")
		b.WriteString(prevErr.Error())
		b.WriteString("\nCorrect these problems in this attempt.\n\n")
	}
	b.WriteString("Page text:\n")
	b.WriteString(truncateContent(text, maxContentSize))
	return b.String()
}

// truncateContent caps prompt text, cutting on a word boundary when one
// is near the limit.
func truncateContent(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + " [truncated]"
}
