package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events using glob patterns
type GlobFilter struct {
	nameGlobs []glob.Glob
	pathGlobs []glob.Glob
}

// NewGlobFilter creates a glob filter over watch names and resource paths.
// Empty patterns match everything.
func NewGlobFilter(namePatterns, pathPatterns []string) (*GlobFilter, error) {
	nameGlobs, err := compileGlobs("name", namePatterns, 0)
	if err != nil {
		return nil, err
	}

	// Paths are matched segment-wise so "/runs/*" does not cover "/runs/1/logs"
	pathGlobs, err := compileGlobs("resource", pathPatterns, '/')
	if err != nil {
		return nil, err
	}

	return &GlobFilter{nameGlobs: nameGlobs, pathGlobs: pathGlobs}, nil
}

func compileGlobs(what string, patterns []string, sep rune) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		var (
			g   glob.Glob
			err error
		)
		if sep == 0 {
			g, err = glob.Compile(pattern)
		} else {
			g, err = glob.Compile(pattern, sep)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", what, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if both the watch name and the path match.
// If no patterns are configured, all events match.
func (f *GlobFilter) Match(resource, path string) bool {
	return matchAny(f.nameGlobs, resource) && matchAny(f.pathGlobs, path)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
