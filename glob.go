package barecat

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Glob resolves pattern against every file path in the archive (spec
// §4.C, §4.F). Supports "?", "*", "[...]" and "**" (zero or more path
// segments, including "/"), via doublestar's path-aware matcher.
//
// Candidates are bounded by a primary-key range scan on the literal
// prefix preceding the first meta character (Design Note "Glob"); only
// candidates within that range pay for the regex-equivalent match.
func (s *Session) Glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, newErr(KindInvalidPattern, pattern, nil)
	}

	prefix := literalPrefix(pattern)
	paths, err := s.idx.filePathsWithPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, newErr(KindCorruptIndex, pattern, err))
	}

	var out []string
	for _, p := range paths {
		ok, err := doublestar.Match(pattern, p)
		if err != nil {
			return nil, newErr(KindInvalidPattern, pattern, err)
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}
