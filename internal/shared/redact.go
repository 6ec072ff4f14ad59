package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// redaction replaces the secret part of a match. Rules with a prefix group
// keep group 1 and drop the rest of the match.
type redaction struct {
	re     *regexp.Regexp
	prefix bool
	suffix string
}

var redactions = []redaction{
	// private key blocks run first so their base64 body never reaches the
	// looser rules below
	{re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{re: regexp.MustCompile(`(https?://[^:/@\s]+:)[^@\s]+@`), prefix: true, suffix: "@"},
	{re: regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), prefix: true},
	{re: regexp.MustCompile(`(?i)((?:x-api-key|api[_-]?key|apikey|auth[_-]?token)"?\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{8,}`), prefix: true},
	// session tokens and handshake signatures inside JSON envelopes
	{re: regexp.MustCompile(`("(?:token|signature)"\s*:\s*")[^"]{8,}`), prefix: true},
	{re: regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`), prefix: true},
}

// Redact masks credentials in free text bound for logs, audit rows and
// error messages.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, r := range redactions {
		repl := redactedPlaceholder + r.suffix
		if r.prefix {
			repl = "${1}" + repl
		}
		input = r.re.ReplaceAllString(input, repl)
	}
	return input
}
