package filter

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"a2a/pkg/envelope"
	"a2a/pkg/glob"
)

var regexpCache sync.Map

func compileRegexp(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexpCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexpCache.Store(pattern, re)
	return re, nil
}

// extract returns the rule's target value; ok is false when it is undefined.
func extract(r Rule, env *envelope.Envelope) (interface{}, bool) {
	switch r.Target {
	case TargetType:
		return env.Type, env.Type != ""
	case TargetSource:
		return env.Headers.Source, env.Headers.Source != ""
	case TargetDestination:
		return env.Headers.Destination, env.Headers.Destination != ""
	case TargetCorrelationID:
		return env.Headers.CorrelationID, env.Headers.CorrelationID != ""
	case TargetHeader:
		return env.Header(r.Path)
	case TargetPayload:
		return env.Lookup(r.Path)
	}
	return nil, false
}

func apply(op Operator, actual, expected interface{}) bool {
	switch op {
	case OpExists:
		return true
	case OpEquals:
		return equal(actual, expected)
	case OpNotEquals:
		return !equal(actual, expected)
	case OpContains:
		return contains(actual, expected)
	case OpNotContains:
		return !contains(actual, expected)
	case OpStartsWith:
		return strings.HasPrefix(toString(actual), toString(expected))
	case OpEndsWith:
		return strings.HasSuffix(toString(actual), toString(expected))
	case OpGreaterThan:
		c, ok := compare(actual, expected)
		return ok && c > 0
	case OpGreaterOrEqual:
		c, ok := compare(actual, expected)
		return ok && c >= 0
	case OpLessThan:
		c, ok := compare(actual, expected)
		return ok && c < 0
	case OpLessOrEqual:
		c, ok := compare(actual, expected)
		return ok && c <= 0
	case OpMatches:
		re, err := compileRegexp(toString(expected))
		return err == nil && re.MatchString(toString(actual))
	case OpGlob:
		return glob.Match(toString(expected), toString(actual))
	}
	return false
}

func equal(a, b interface{}) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(actual, expected interface{}) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, toString(expected))
	case []interface{}:
		for _, item := range v {
			if equal(item, expected) {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == toString(expected) {
				return true
			}
		}
	case map[string]interface{}:
		_, ok := v[toString(expected)]
		return ok
	}
	return false
}

// compare orders numbers numerically and strings lexically.
func compare(a, b interface{}) (int, bool) {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
