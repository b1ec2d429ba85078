package policy

import (
	"regexp"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/\-]+=*`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{8,}\b`)
	secretPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)(["']?\s*[:=]\s*["']?)[^\s"',&]+`)
	emailPattern  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]?){12,15}\d\b`)
	phonePattern  = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
)

// Redact masks credentials and personal data in free text before it is persisted
// as error details or written to logs. Credentials go first so a token made of
// digits is not half-masked as a phone number.
func Redact(value string) string {
	if value == "" {
		return value
	}
	masked := bearerPattern.ReplaceAllString(value, "Bearer [token_redacted]")
	masked = apiKeyPattern.ReplaceAllString(masked, "[key_redacted]")
	masked = secretPattern.ReplaceAllString(masked, "${1}${2}[redacted]")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}

	last4 := string(digits[len(digits)-4:])
	return "**** **** **** " + last4
}
