// Package branchname implements the Branch-Name Synthesizer: an
// asynchronous component that asks an external text-generation gateway for
// a descriptive branch name, racing the Executor's stage-4 fallback.
package branchname

import (
	"context"
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Synthesizer proposes a branch name of the shape <type>/<slug>-<suffix>
// for a task, given its prompt, repo name, and agent choice.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt, repoName, agent string) (string, error)
}

var nonWordRun = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLength = 40

// FallbackName produces the `agent/<utc-timestamp>-<suffix>` name, with a
// random six-character suffix, the Executor writes at stage 4 when no synthesized name is available
// yet.
func FallbackName(now time.Time) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("agent/%s-%s", now.UTC().Format("2006-01-02T15-04-05"), suffix), nil
}

func randomSuffix() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// inferType classifies the prompt's intent into one of the four branch
// prefixes using simple keyword heuristics over salient verbs.
func inferType(prompt string) string {
	lower := strings.ToLower(prompt)
	switch {
	case containsAny(lower, "fix", "bug", "broken", "crash", "error"):
		return "fix"
	case containsAny(lower, "doc", "readme", "comment"):
		return "docs"
	case containsAny(lower, "refactor", "cleanup", "chore", "bump", "upgrade", "dependency"):
		return "chore"
	default:
		return "feature"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// slugify derives a hyphenated kebab slug from the prompt's salient words,
// length-bounded.
func slugify(prompt string) string {
	lower := strings.ToLower(prompt)
	slug := nonWordRun.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")

	words := strings.Split(slug, "-")
	var kept []string
	for _, w := range words {
		if stopWords[w] || w == "" {
			continue
		}
		kept = append(kept, w)
		if len(strings.Join(kept, "-")) >= maxSlugLength {
			break
		}
	}
	if len(kept) == 0 {
		return "task"
	}

	joined := strings.Join(kept, "-")
	if len(joined) > maxSlugLength {
		joined = strings.TrimRight(joined[:maxSlugLength], "-")
	}
	return joined
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "and": true,
	"please": true, "can": true, "you": true, "i": true, "we": true, "add": true,
	"make": true, "with": true, "for": true, "in": true, "on": true, "is": true,
}

// BuildName combines the inferred type, slug, and a random suffix into the
// synthesized branch name.
func BuildName(prompt string) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s-%s", inferType(prompt), slugify(prompt), suffix), nil
}
