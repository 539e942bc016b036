package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor_MasksHostToken(t *testing.T) {
	secrets := Secrets{HostToken: "ghp_AAAA1111"}
	out := Redactor("running: echo $GITHUB_TOKEN -> ghp_AAAA1111", secrets)

	assert.NotContains(t, out, "ghp_AAAA1111")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactor_MasksBearerAndAuthorizationHeaders(t *testing.T) {
	out := Redactor("Authorization: abcDEF123456789012345 and Bearer xyzXYZ0987654321098", Secrets{})

	assert.NotContains(t, out, "abcDEF123456789012345")
	assert.NotContains(t, out, "xyzXYZ0987654321098")
}

func TestRedactor_MasksQueryStringCredentials(t *testing.T) {
	out := Redactor("GET /webhook?apikey=supersecretvalue&token=anothersecret", Secrets{})

	assert.Contains(t, out, "apikey=[REDACTED]")
	assert.Contains(t, out, "token=[REDACTED]")
}

func TestRedactor_Idempotent(t *testing.T) {
	secrets := Secrets{HostToken: "ghp_AAAA1111", AgentAPIKey: "sk-abc123"}
	input := "token=ghp_AAAA1111 Bearer sk-abc123 apikey=ghp_AAAA1111"

	once := Redactor(input, secrets)
	twice := Redactor(once, secrets)

	assert.Equal(t, once, twice)
}

func TestRedactor_NoSecretsLeavesOrdinaryTextUnchanged(t *testing.T) {
	out := Redactor("hello world", Secrets{})
	assert.Equal(t, "hello world", out)
}
