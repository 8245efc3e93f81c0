package pattern

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/regexp"
)

// ErrInvalidPattern is returned when a pattern has no static root, i.e. its
// very first path segment is already dynamic.
var ErrInvalidPattern = errors.New("pattern has no static root")

// Layers is the decomposition of a path pattern into a static root
// directory, a regex for the first dynamic directory level, and a regex for
// the full file path.
type Layers struct {
	// Root is the longest leading prefix containing no wildcard, date
	// token, or regex metacharacter, without a trailing separator. It is
	// absolute when the pattern is.
	Root string
	// DirExpr matches the full path of root's dynamic child directory.
	// When the pattern has a single dynamic segment it equals FileExpr.
	DirExpr string
	// FileExpr matches the full file path.
	FileExpr string

	DirRegex  *regexp.Regexp
	FileRegex *regexp.Regexp
}

// dynamic characters end the static root: glob wildcards, regex
// metacharacters, and any date token.
const dynamicMeta = `*?[]()|+{}^$`

// Split decomposes pattern into its layers. The returned regexes are
// anchored at the start of the string only, so a match reports that the
// candidate lies on or under the pattern (prefix semantics); callers that
// need an exact match compare the match length themselves.
func Split(pattern string) (Layers, error) {
	cut := firstDynamic(pattern)
	if cut < 0 {
		// Fully static pattern: the file part is the last segment.
		cut = len(pattern)
	}
	sep := strings.LastIndexByte(pattern[:cut], '/')
	if sep <= 0 {
		return Layers{}, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	root := pattern[:sep]
	rest := pattern[sep+1:]

	dirExpr := Translate(pattern)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		dirExpr = Translate(root + "/" + rest[:i])
	}
	fileExpr := Translate(pattern)

	l := Layers{Root: root, DirExpr: dirExpr, FileExpr: fileExpr}
	var err error
	if l.DirRegex, err = regexp.Compile(`\A` + dirExpr); err != nil {
		return Layers{}, fmt.Errorf("compile directory expression for %q: %w", pattern, err)
	}
	if l.FileRegex, err = regexp.Compile(`\A` + fileExpr); err != nil {
		return Layers{}, fmt.Errorf("compile file expression for %q: %w", pattern, err)
	}
	return l, nil
}

// firstDynamic returns the index of the first dynamic character or date
// token of pattern, or -1 when the pattern is fully static.
func firstDynamic(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		if _, ok := tokenAt(pattern, i); ok {
			return i
		}
		if strings.IndexByte(dynamicMeta, pattern[i]) >= 0 {
			return i
		}
	}
	return -1
}

// Translate converts a path pattern into regex source: date tokens become
// digit classes, '*' becomes '.*', and everything else matches literally.
func Translate(pattern string) string {
	var b strings.Builder
	translateInto(&b, pattern)
	return b.String()
}

func translateInto(b *strings.Builder, pattern string) {
	for i := 0; i < len(pattern); {
		if tk, ok := tokenAt(pattern, i); ok {
			fmt.Fprintf(b, `\d{%d}`, tk.digits)
			i += len(tk.text)
			continue
		}
		if pattern[i] == '*' {
			b.WriteString(`.*`)
			i++
			continue
		}
		b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
		i++
	}
}

// MatchFull reports whether re, which must be \A-anchored, matches the
// whole of s.
func MatchFull(re *regexp.Regexp, s string) bool {
	m := re.FindString(s)
	return len(m) == len(s)
}
