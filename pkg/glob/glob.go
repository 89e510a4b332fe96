// Package glob translates shell-style key patterns into anchored regular
// expressions. Only '*' (any run) and '?' (one character) are special.
package glob

import (
	"regexp"
	"strings"
)

// ToRegexp returns the anchored regular expression source for pattern.
func ToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func Compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(ToRegexp(pattern))
}

// Match reports whether s matches pattern. An empty pattern matches everything.
func Match(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	re, err := Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
