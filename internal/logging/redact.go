package logging

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns before text reaches log
// output. Transcripts and model replies are student speech and must not land
// in logs verbatim.
func RedactPII(input string) string {
	out := emailPattern.ReplaceAllString(input, "[REDACTED_EMAIL]")
	// Card redaction runs before phone so card numbers are not classified as
	// phone numbers.
	out = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	out = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}
