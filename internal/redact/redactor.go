// Package redact scrubs known secret shapes from text before it is fanned
// out to recipients or written to any log sink. The redactor is mandatory
// on the forwarding path: message content passes through Redact exactly
// once before leaving the relay.
package redact

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// pattern is one provider-specific secret shape. Order matters: earlier
// patterns win, so more specific prefixes (sk-ant-) precede generic ones
// (sk-).
type pattern struct {
	name string
	re   *regexp.Regexp
}

var providerPatterns = []pattern{
	{"anthropic_api_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{10,}`)},
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"github_token", regexp.MustCompile(`(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	{"stripe_key", regexp.MustCompile(`(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{16,}`)},
	{"google_api_key", regexp.MustCompile(`AIza[A-Za-z0-9_-]{35}`)},
	{"aws_access_key", regexp.MustCompile(`(?:AKIA|ASIA)[A-Z0-9]{16}`)},
	{"aws_secret_key", regexp.MustCompile(`(?i)aws[_-]?secret[_-]?(?:access[_-]?)?key['"]?\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`)},
	{"generic_credential", regexp.MustCompile(`(?i)(api_key|apikey|secret|token|password|credential|auth)['"]?\s*[:=]\s*['"]([A-Za-z0-9/+_=\.-]{16,})['"]`)},
}

// envNameHints match environment variable names that plausibly hold
// secrets. Values of matching variables become literal needles.
var envNameHints = []*regexp.Regexp{
	regexp.MustCompile(`(?i)key`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)auth`),
}

// DefaultMinEnvValueLength is the shortest env value registered as a needle.
const DefaultMinEnvValueLength = 8

// Options configures a Redactor.
type Options struct {
	// Label replaces matches with [REDACTED:<name>] instead of [REDACTED].
	Label bool
	// ScanEnv registers current environment values as literal needles.
	ScanEnv bool
	// MinEnvValueLength overrides DefaultMinEnvValueLength when > 0.
	MinEnvValueLength int
}

// Redactor replaces secret-shaped substrings with placeholders. Safe for
// concurrent use; all state is immutable after construction.
type Redactor struct {
	label   bool
	needles []envNeedle // sorted by descending value length
}

type envNeedle struct {
	name  string
	value string
}

var (
	defaultOnce sync.Once
	defaultRed  *Redactor
)

// Default returns the process-wide redactor (labelled, env-scanning).
func Default() *Redactor {
	defaultOnce.Do(func() {
		defaultRed = New(Options{Label: true, ScanEnv: true})
	})
	return defaultRed
}

// New builds a Redactor. Regexes are package-level and precompiled; only
// env needles are assembled here.
func New(opts Options) *Redactor {
	r := &Redactor{label: opts.Label}
	if !opts.ScanEnv {
		return r
	}

	minLen := opts.MinEnvValueLength
	if minLen <= 0 {
		minLen = DefaultMinEnvValueLength
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || len(value) < minLen {
			continue
		}
		for _, hint := range envNameHints {
			if hint.MatchString(name) {
				r.needles = append(r.needles, envNeedle{name: name, value: value})
				break
			}
		}
	}
	// Longest values first so a long secret is not partially hidden by a
	// shorter env value that happens to be its substring.
	sort.Slice(r.needles, func(i, j int) bool {
		return len(r.needles[i].value) > len(r.needles[j].value)
	})
	return r
}

// Redact returns s with all secret-shaped substrings replaced. The result
// is a fixed point: Redact(Redact(s)) == Redact(s).
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, n := range r.needles {
		if strings.Contains(s, n.value) {
			s = strings.ReplaceAll(s, n.value, r.placeholder("env:"+n.name))
		}
	}
	for _, p := range providerPatterns {
		if p.name == "generic_credential" {
			// Keep the key name, redact only the captured value.
			s = p.re.ReplaceAllStringFunc(s, func(m string) string {
				sub := p.re.FindStringSubmatch(m)
				return strings.Replace(m, sub[2], r.placeholder(p.name), 1)
			})
			continue
		}
		s = p.re.ReplaceAllString(s, r.placeholder(p.name))
	}
	return s
}

func (r *Redactor) placeholder(name string) string {
	if r.label {
		return "[REDACTED:" + name + "]"
	}
	return "[REDACTED]"
}
