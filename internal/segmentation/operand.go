package segmentation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// operandKind is the decoded match strategy of a DSL operand value.
type operandKind int

const (
	operandEqual operandKind = iota
	operandLower
	operandWildcard
	operandRegex
	operandGreater
	operandGreaterEqual
	operandLess
	operandLessEqual
	operandInList
)

// operandPattern extracts an operator prefix from a raw operand value such
// as "lower(Chrome)" or "gte(1.2.0)". Longer operator names come first so
// alternation does not stop at a prefix ("gte" before "gt").
var operandPattern = regexp.MustCompile(`^(lower|wildcard|regex|gte|gt|lte|lt|inlist)\((.*)\)$`)

// parseOperand splits a raw operand value into its match strategy and the
// payload inside the operator parentheses. A value without a recognized
// prefix is an exact match.
func parseOperand(raw string) (operandKind, string) {
	m := operandPattern.FindStringSubmatch(raw)
	if m == nil {
		return operandEqual, raw
	}
	m[2] = trimQuotes(m[2])
	switch m[1] {
	case "lower":
		return operandLower, m[2]
	case "wildcard":
		return operandWildcard, m[2]
	case "regex":
		return operandRegex, m[2]
	case "gt":
		return operandGreater, m[2]
	case "gte":
		return operandGreaterEqual, m[2]
	case "lt":
		return operandLess, m[2]
	case "lte":
		return operandLessEqual, m[2]
	case "inlist":
		return operandInList, m[2]
	}
	return operandEqual, raw
}

// trimQuotes strips one pair of surrounding double quotes; configurations
// often carry operand payloads as lower("pro").
func trimQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

// matchOperand evaluates a raw operand value against an actual context value.
// Every failure mode (bad regex, unparsable number) evaluates to false; an
// operand can never abort the surrounding tree evaluation.
func matchOperand(raw string, actual any) bool {
	kind, expected := parseOperand(raw)
	actualStr, ok := stringify(actual)
	if !ok {
		return false
	}

	switch kind {
	case operandEqual:
		return equalWithCoercion(expected, actualStr)
	case operandLower:
		return strings.EqualFold(expected, actualStr)
	case operandWildcard:
		return matchWildcard(expected, actualStr)
	case operandRegex:
		return matchRegex(expected, actualStr)
	case operandGreater:
		return compareOperand(expected, actualStr) > 0
	case operandGreaterEqual:
		return compareOperand(expected, actualStr) >= 0
	case operandLess:
		return compareOperand(expected, actualStr) < 0
	case operandLessEqual:
		return compareOperand(expected, actualStr) <= 0
	}
	return false
}

// inListID returns the list id when the operand is an inlist(...) query.
func inListID(raw string) (string, bool) {
	kind, id := parseOperand(raw)
	if kind != operandInList {
		return "", false
	}
	return id, true
}

// equalWithCoercion compares two values as numbers when both parse as such
// ("123" matches 123.0), otherwise as exact strings.
func equalWithCoercion(expected, actual string) bool {
	ef, eErr := strconv.ParseFloat(expected, 64)
	af, aErr := strconv.ParseFloat(actual, 64)
	if eErr == nil && aErr == nil {
		return ef == af
	}
	return expected == actual
}

// matchWildcard interprets leading/trailing stars as substring, suffix and
// prefix matches. A pattern without stars falls back to a full regex match.
func matchWildcard(pattern, actual string) bool {
	startsWithStar := strings.HasPrefix(pattern, "*")
	endsWithStar := strings.HasSuffix(pattern, "*")
	literal := strings.TrimSuffix(strings.TrimPrefix(pattern, "*"), "*")

	switch {
	case startsWithStar && endsWithStar:
		return strings.Contains(actual, literal)
	case startsWithStar:
		return strings.HasSuffix(actual, literal)
	case endsWithStar:
		return strings.HasPrefix(actual, literal)
	default:
		// Group before anchoring so alternation cannot escape the anchors
		// ("us|ca" must not match "usa").
		return matchRegex("^(?:"+pattern+")$", actual)
	}
}

func matchRegex(pattern, actual string) bool {
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return rx.MatchString(actual)
}

// compareOperand orders the actual value against the expected one. When both
// sides carry a dot they are treated as dotted versions ("1.10" sorts above
// "1.2"); otherwise both must parse as numbers for a numeric comparison.
// Returns -1, 0 or 1 following actual vs expected, and 0 dooms strict
// comparisons when neither interpretation applies.
func compareOperand(expected, actual string) int {
	if !strings.Contains(expected, ".") || !strings.Contains(actual, ".") {
		ef, eErr := strconv.ParseFloat(expected, 64)
		af, aErr := strconv.ParseFloat(actual, 64)
		if eErr == nil && aErr == nil {
			switch {
			case af > ef:
				return 1
			case af < ef:
				return -1
			default:
				return 0
			}
		}
	}
	return compareVersions(actual, expected)
}

// compareVersions compares two dotted version strings, treating missing
// trailing components as 0 ("1.2" == "1.2.0"). Strict semver forms go
// through the semver library; anything it rejects (four components,
// non-numeric noise) falls back to component-wise numeric comparison.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(as) {
			ai, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bi, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if ai != bi {
			if ai > bi {
				return 1
			}
			return -1
		}
	}
	return 0
}

// stringify renders a context value for operand matching. Floats drop
// insignificant trailing zeros so 123.0 matches "123".
func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}
