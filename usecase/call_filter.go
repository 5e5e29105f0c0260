package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
)

// CallFilter decides which answered calls get forked
type CallFilter struct {
	directions map[entities.CallDirection]bool
	enabled    []*regexp.Regexp
	disabled   []*regexp.Regexp
}

// NewCallFilter compiles the filter. Disabled patterns win over enabled
// ones; no enabled patterns means every number is allowed.
func NewCallFilter(directions, enabled, disabled []string) (*CallFilter, error) {
	f := &CallFilter{directions: make(map[entities.CallDirection]bool)}
	for _, d := range directions {
		f.directions[entities.CallDirection(strings.ToLower(strings.TrimSpace(d)))] = true
	}

	var err error
	if f.enabled, err = compileAll(enabled); err != nil {
		return nil, err
	}
	if f.disabled, err = compileAll(disabled); err != nil {
		return nil, err
	}
	return f, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Allow reports whether the call should be forked. An unknown direction is
// not filtered.
func (f *CallFilter) Allow(meta entities.CallMetadata) bool {
	if meta.Direction != "" && !f.directions[meta.Direction] {
		return false
	}

	for _, re := range f.disabled {
		if matches(re, meta) {
			return false
		}
	}
	if len(f.enabled) == 0 {
		return true
	}
	for _, re := range f.enabled {
		if matches(re, meta) {
			return true
		}
	}
	return false
}

func matches(re *regexp.Regexp, meta entities.CallMetadata) bool {
	return re.MatchString(meta.CallerNumber) || re.MatchString(meta.DestinationNumber)
}
