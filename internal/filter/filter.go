// Package filter decides which files under the watched tree are data files.
//
// A filter is written either as a regular expression (the default) or, with a
// `glob:` prefix, as a doublestar pattern. Both are matched against the path
// relative to the watched root, using forward slashes.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	globPrefix  = "glob:"
	regexPrefix = "re:"

	// DefaultPattern selects Cassandra SSTable data components.
	DefaultPattern = `.*-Data\.db$`

	// DefaultIndexPattern selects backup index objects in the remote data area.
	DefaultIndexPattern = `(^|/)index-[^/]*\.json$`
)

// Filter reports whether a slash-separated relative path is selected.
type Filter interface {
	Match(relPath string) bool
	String() string
}

// Parse compiles a filter expression. An empty expression matches everything.
func Parse(expr string) (Filter, error) {
	switch {
	case expr == "":
		return all{}, nil
	case strings.HasPrefix(expr, globPrefix):
		pattern := strings.TrimPrefix(expr, globPrefix)
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern %q", pattern)
		}
		return glob{pattern: pattern}, nil
	default:
		re, err := regexp.Compile(strings.TrimPrefix(expr, regexPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression %q: %w", expr, err)
		}
		return Regexp{re}, nil
	}
}

// MustParse is Parse for package-level defaults and tests.
func MustParse(expr string) Filter {
	f, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// Regexp matches anywhere in the relative path, the way the data-file filter always has.
type Regexp struct {
	*regexp.Regexp
}

func (r Regexp) Match(relPath string) bool {
	return r.MatchString(relPath)
}

type glob struct {
	pattern string
}

func (g glob) Match(relPath string) bool {
	ok, _ := doublestar.Match(g.pattern, relPath)
	return ok
}

func (g glob) String() string {
	return globPrefix + g.pattern
}

type all struct{}

func (all) Match(string) bool { return true }
func (all) String() string    { return "" }
