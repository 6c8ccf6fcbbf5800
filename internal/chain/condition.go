package chain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cronboxhq/cronbox/internal/model"
)

// evalCondition decides whether a step runs, judged against the previous
// step's response. A zero condition always passes. Malformed conditions and
// invalid regexes evaluate false with an explanatory detail rather than
// failing the chain.
func evalCondition(c model.Condition, prevStatusCode int, prevBody string) (bool, string) {
	if c.IsZero() {
		return true, ""
	}

	switch c.Operator {
	case "status_code_equals":
		want, ok := asInt(c.Expected)
		if !ok {
			return false, fmt.Sprintf("status_code_equals: value %v is not a status code", c.Expected)
		}
		return conditionResult(c, prevStatusCode == want, fmt.Sprintf("status %d != %d", prevStatusCode, want))

	case "status_code_in", "status_code_not_in":
		codes, ok := asIntList(c.Expected)
		if !ok {
			return false, fmt.Sprintf("%s: value %v is not a status code list", c.Operator, c.Expected)
		}
		in := false
		for _, code := range codes {
			if code == prevStatusCode {
				in = true
				break
			}
		}
		if c.Operator == "status_code_in" {
			return conditionResult(c, in, fmt.Sprintf("status %d not in %v", prevStatusCode, codes))
		}
		return conditionResult(c, !in, fmt.Sprintf("status %d in %v", prevStatusCode, codes))

	case "exists", "not_exists":
		_, found, err := jsonPathInBody(prevBody, c.Field)
		if err != nil {
			return false, err.Error()
		}
		if c.Operator == "exists" {
			return conditionResult(c, found, fmt.Sprintf("field %q not found", c.Field))
		}
		return conditionResult(c, !found, fmt.Sprintf("field %q exists", c.Field))

	case "equals", "not_equals", "contains", "not_contains", "regex":
		v, found, err := jsonPathInBody(prevBody, c.Field)
		if err != nil {
			return false, err.Error()
		}
		if !found {
			// Missing values fail positive operators and pass the negated
			// ones.
			if c.Operator == "not_equals" || c.Operator == "not_contains" {
				return true, ""
			}
			return false, fmt.Sprintf("field %q not found", c.Field)
		}
		actual := stringify(v)
		want := stringify(c.Expected)
		switch c.Operator {
		case "equals":
			return conditionResult(c, actual == want, fmt.Sprintf("%q != %q", actual, want))
		case "not_equals":
			return conditionResult(c, actual != want, fmt.Sprintf("%q == %q", actual, want))
		case "contains":
			return conditionResult(c, strings.Contains(actual, want), fmt.Sprintf("%q does not contain %q", actual, want))
		case "not_contains":
			return conditionResult(c, !strings.Contains(actual, want), fmt.Sprintf("%q contains %q", actual, want))
		case "regex":
			re, err := regexp.Compile(want)
			if err != nil {
				return false, fmt.Sprintf("invalid regex %q: %v", want, err)
			}
			return conditionResult(c, re.MatchString(actual), fmt.Sprintf("%q does not match %q", actual, want))
		}
	}

	return false, fmt.Sprintf("unknown condition operator %q", c.Operator)
}

func conditionResult(c model.Condition, pass bool, failDetail string) (bool, string) {
	if pass {
		return true, ""
	}
	return false, fmt.Sprintf("condition %s: %s", c.Operator, failDetail)
}

// asInt accepts the numeric shapes a JSON condition value can arrive in,
// including numeric strings.
func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// asIntList accepts a scalar or a list of scalars.
func asIntList(v interface{}) ([]int, bool) {
	if list, ok := v.([]interface{}); ok {
		out := make([]int, 0, len(list))
		for _, item := range list {
			n, ok := asInt(item)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	}
	n, ok := asInt(v)
	if !ok {
		return nil, false
	}
	return []int{n}, true
}
