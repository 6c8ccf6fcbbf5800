package chain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// jsonPath evaluates a JSONPath-style expression ("$.data.token", "$[0].id")
// against a JSON document. Paths are translated to gojq queries; gojq carries
// the full filter grammar, so nested and array lookups come along for free.
// Returns the first value produced and whether anything non-null was found.
func jsonPath(doc interface{}, path string) (interface{}, bool, error) {
	query, err := compilePath(path)
	if err != nil {
		return nil, false, err
	}
	iter := query.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil, false, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, false, fmt.Errorf("evaluate path %q: %w", path, err)
		}
		if v == nil {
			continue
		}
		return v, true, nil
	}
}

// jsonPathInBody parses body as JSON and evaluates path against it. A body
// that is not JSON yields "not found" rather than an error; conditions and
// extraction both treat that as a missing value.
func jsonPathInBody(body, path string) (interface{}, bool, error) {
	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, false, nil
	}
	return jsonPath(doc, path)
}

// compilePath turns a JSONPath expression into a gojq query. "$.a.b" becomes
// ".a.b", "$[0].x" becomes ".[0].x", a bare "a.b" becomes ".a.b". The try
// wrapper keeps type mismatches (indexing a string, for example) from
// surfacing as errors; they read as missing values instead.
func compilePath(path string) (*gojq.Query, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("empty path")
	}
	p = strings.TrimPrefix(p, "$")
	if p == "" {
		p = "."
	} else if !strings.HasPrefix(p, ".") {
		p = "." + p
	}
	query, err := gojq.Parse("try (" + p + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return query, nil
}
