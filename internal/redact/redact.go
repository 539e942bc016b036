// Package redact provides the pure masking function applied to every string
// before it reaches the Log Sink.
package redact

import (
	"os"
	"regexp"
	"strings"
)

const mask = "[REDACTED]"

var (
	bearerPattern        = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-./+=]+`)
	authorizationPattern = regexp.MustCompile(`(?i)authorization:\s*[A-Za-z0-9_\-./+=]+`)
	apiKeyQueryPattern   = regexp.MustCompile(`(?i)apikey=[^&\s]+`)
	tokenQueryPattern    = regexp.MustCompile(`(?i)token=[^&\s]+`)

	// agentKeyEnvVars lists the environment variables whose values, if set,
	// are treated as agent API keys that must never reach the transcript.
	agentKeyEnvVars = []string{
		"ANTHROPIC_API_KEY",
		"OPENAI_API_KEY",
		"CURSOR_API_KEY",
		"GOOGLE_API_KEY",
		"GEMINI_API_KEY",
	}
)

// Secrets is the set of known credential values for one task's user. These
// are exact-matched and masked unconditionally, in addition to the pattern
// based rules below.
type Secrets struct {
	// HostToken is the source-control host access token embedded in the
	// authenticated clone URL.
	HostToken string
	// AgentAPIKey is the user's decrypted agent API key, if any.
	AgentAPIKey string
}

// Redactor masks secrets in any string destined for logs. It is a pure
// function: callers pass already-processed strings and the same input always
// produces the same output (applying it twice is a no-op on the second pass,
// since each pattern below either does not match the mask text or rewrites
// it to itself).
func Redactor(input string, secrets Secrets) string {
	out := input

	if secrets.HostToken != "" {
		out = strings.ReplaceAll(out, secrets.HostToken, mask)
	}
	if secrets.AgentAPIKey != "" {
		out = strings.ReplaceAll(out, secrets.AgentAPIKey, mask)
	}

	for _, name := range agentKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			out = strings.ReplaceAll(out, v, mask)
		}
	}

	out = bearerPattern.ReplaceAllString(out, "Bearer "+mask)
	out = authorizationPattern.ReplaceAllString(out, "Authorization: "+mask)
	out = apiKeyQueryPattern.ReplaceAllString(out, "apikey="+mask)
	out = tokenQueryPattern.ReplaceAllString(out, "token="+mask)

	return out
}
