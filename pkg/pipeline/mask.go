package pipeline

import "regexp"

// PII masking runs over the transcript text before it reaches the LLM.
// Patterns are deliberately conservative: emails, international-ish phone
// numbers, and long digit runs (card or account numbers).
var piiPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`), "[phone]"},
	{regexp.MustCompile(`\b\d{12,19}\b`), "[number]"},
}

// MaskPII replaces detected personal data with placeholders and returns the
// masked text plus the number of replacements.
func MaskPII(text string) (string, int) {
	total := 0
	for _, p := range piiPatterns {
		matches := p.re.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		total += len(matches)
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	return text, total
}
