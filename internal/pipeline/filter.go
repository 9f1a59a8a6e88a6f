package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"dirsynch/internal/model"
)

type MatchMode string

const (
	// MatchSubstring excludes a path when any pattern is a substring of
	// the slash-normalized path.
	MatchSubstring MatchMode = "substring"
	// MatchSegment excludes a path when any pattern globs a single path
	// component.
	MatchSegment MatchMode = "segment"
)

// Rules is an immutable exclusion rule set, built once at startup.
type Rules struct {
	patterns []string
	mode     MatchMode
}

func NewRules(patterns []string, mode MatchMode) (*Rules, error) {
	if mode == "" {
		mode = MatchSubstring
	}

	switch mode {
	case MatchSubstring:
	case MatchSegment:
		for _, p := range patterns {
			if _, err := filepath.Match(p, "x"); err != nil {
				return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown exclude mode: %q", mode)
	}

	return &Rules{patterns: patterns, mode: mode}, nil
}

func (r *Rules) Excluded(path string) bool {
	if r == nil || len(r.patterns) == 0 {
		return false
	}

	normalized := filepath.ToSlash(path)

	switch r.mode {
	case MatchSegment:
		for _, part := range strings.Split(normalized, "/") {
			for _, pattern := range r.patterns {
				if matched, err := filepath.Match(pattern, part); err == nil && matched {
					return true
				}
			}
		}
	default:
		for _, pattern := range r.patterns {
			if strings.Contains(normalized, pattern) {
				return true
			}
		}
	}

	return false
}

// Filter drops events for excluded paths before they enter the debounce
// stage. The same rule set is consulted again at dispatch time, in case a
// path is renamed into an excluded subtree in between.
func Filter(inCh <-chan model.FileEvent, rules *Rules) <-chan model.FileEvent {
	outCh := make(chan model.FileEvent, cap(inCh))

	go func() {
		defer close(outCh)

		for event := range inCh {
			if rules.Excluded(event.Path) {
				continue
			}
			outCh <- event
		}
	}()

	return outCh
}
