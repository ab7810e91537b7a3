package quality

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Patterns is the versioned, immutable pattern set loaded once at startup.
type Patterns struct {
	Version          int
	Skip             []*regexp.Regexp
	SoftFailure      []*regexp.Regexp
	RedirectServices []*regexp.Regexp
}

type patternFile struct {
	Version          int      `yaml:"version"`
	Skip             []string `yaml:"skip"`
	SoftFailure      []string `yaml:"soft_failure"`
	RedirectServices []string `yaml:"redirect_services"`
}

// DefaultPatterns returns the embedded pattern set.
func DefaultPatterns() *Patterns {
	p, err := ParsePatterns(defaultPatterns)
	if err != nil {
		panic(fmt.Sprintf("quality: embedded patterns invalid: %v", err))
	}
	return p
}

// LoadPatterns reads a pattern file. An empty path yields the embedded defaults.
func LoadPatterns(path string) (*Patterns, error) {
	if path == "" {
		return ParsePatterns(defaultPatterns)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns %s: %w", path, err)
	}
	return ParsePatterns(data)
}

// ParsePatterns compiles a YAML pattern document.
func ParsePatterns(data []byte) (*Patterns, error) {
	var raw patternFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode patterns: %w", err)
	}
	if raw.Version <= 0 {
		return nil, errors.New("patterns: version must be positive")
	}
	p := &Patterns{Version: raw.Version}
	var err error
	if p.Skip, err = compileAll("skip", raw.Skip); err != nil {
		return nil, err
	}
	if p.SoftFailure, err = compileAll("soft_failure", raw.SoftFailure); err != nil {
		return nil, err
	}
	if p.RedirectServices, err = compileAll("redirect_services", raw.RedirectServices); err != nil {
		return nil, err
	}
	return p, nil
}

func compileAll(list string, exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("patterns: %s[%d] %q: %w", list, i, expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// firstMatch returns the first pattern matching s.
func firstMatch(patterns []*regexp.Regexp, s string) *regexp.Regexp {
	for _, re := range patterns {
		if re.MatchString(s) {
			return re
		}
	}
	return nil
}
