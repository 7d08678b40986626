// Package patterns compiles handler regexes once and keeps them in a bounded
// LRU keyed by source text.
//
// Expressions use regexp2 so plugin authors get lookaround and backreferences.
// Every expression is compiled with Singleline (dot matches newline) and a
// per-match timeout so a pathological pattern cannot stall dispatch.
package patterns

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultSize         = 512
	DefaultMatchTimeout = 100 * time.Millisecond
)

var (
	namedGroup = regexp.MustCompile(`\(\?P<`)
	namedRef   = regexp.MustCompile(`\(\?P=([A-Za-z_][A-Za-z0-9_]*)\)`)
)

// Anchor injects a leading ^ when the pattern does not already start with
// one. No trailing anchor is added.
func Anchor(pattern string) string {
	if strings.HasPrefix(pattern, "^") {
		return pattern
	}
	return "^" + pattern
}

// normalize rewrites Python-style named groups into the regexp2 spelling.
func normalize(pattern string) string {
	pattern = namedGroup.ReplaceAllString(pattern, "(?<")
	return namedRef.ReplaceAllString(pattern, `\k<$1>`)
}

// Cache memoizes compiled expressions. It is safe for concurrent use, and so
// are the expressions it returns.
type Cache struct {
	lru     *lru.Cache[string, *regexp2.Regexp]
	timeout time.Duration
}

func New(size int, matchTimeout time.Duration) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}
	l, err := lru.New[string, *regexp2.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("create pattern lru: %w", err)
	}
	return &Cache{lru: l, timeout: matchTimeout}, nil
}

// Compile returns the compiled form of pattern exactly as written. Failed
// compiles are not cached.
func (c *Cache) Compile(pattern string) (*regexp2.Regexp, error) {
	if re, ok := c.lru.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp2.Compile(normalize(pattern), regexp2.Singleline)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = c.timeout
	c.lru.Add(pattern, re)
	return re, nil
}

// Len reports how many expressions are cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Match is the result of searching content with one expression.
type Match struct {
	// Groups holds capture groups 1..n; unmatched groups are "".
	Groups []string
	Named  map[string]string
}

// Search reports whether re is found in s and returns its groups. A match
// timeout is returned as an error and counts as no match.
func Search(re *regexp2.Regexp, s string) (*Match, error) {
	m, err := re.FindStringMatch(s)
	if err != nil || m == nil {
		return nil, err
	}
	groups := m.Groups()
	out := &Match{Groups: make([]string, 0, len(groups)-1)}
	for i, g := range groups {
		if i == 0 {
			continue
		}
		val := ""
		if len(g.Captures) > 0 {
			val = g.String()
		}
		out.Groups = append(out.Groups, val)
		if g.Name != "" && g.Name != strconv.Itoa(i) {
			if out.Named == nil {
				out.Named = make(map[string]string)
			}
			out.Named[g.Name] = val
		}
	}
	return out, nil
}
