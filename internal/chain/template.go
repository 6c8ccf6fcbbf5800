package chain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cronboxhq/cronbox/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// substitute replaces every {{var}} placeholder in s with the variable's
// value from the context. Any placeholder without a matching variable fails
// the whole substitution; the step then fails with variable_substitution and
// is never retried.
func substitute(s string, vars model.AnyMap) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return stringify(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// stringify renders an extracted variable for insertion into a URL, header,
// or body. Strings are inserted verbatim; composites are JSON.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
