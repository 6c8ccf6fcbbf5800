package chain

import (
	"testing"

	"github.com/cronboxhq/cronbox/internal/model"
)

func TestEvalCondition(t *testing.T) {
	body := `{"status":"active","count":3,"user":{"name":"ada"},"tags":["a","b"]}`

	tests := []struct {
		name       string
		cond       model.Condition
		statusCode int
		body       string
		want       bool
	}{
		{"zero condition passes", model.Condition{}, 500, "", true},

		{"status_code_equals match", model.Condition{Operator: "status_code_equals", Expected: 200}, 200, "", true},
		{"status_code_equals float from json", model.Condition{Operator: "status_code_equals", Expected: float64(201)}, 201, "", true},
		{"status_code_equals mismatch", model.Condition{Operator: "status_code_equals", Expected: 200}, 404, "", false},
		{"status_code_in list", model.Condition{Operator: "status_code_in", Expected: []interface{}{float64(200), float64(204)}}, 204, "", true},
		{"status_code_in numeric strings", model.Condition{Operator: "status_code_in", Expected: []interface{}{"200", "301"}}, 301, "", true},
		{"status_code_in scalar", model.Condition{Operator: "status_code_in", Expected: 418}, 418, "", true},
		{"status_code_in miss", model.Condition{Operator: "status_code_in", Expected: []interface{}{float64(200)}}, 500, "", false},
		{"status_code_not_in", model.Condition{Operator: "status_code_not_in", Expected: []interface{}{float64(500)}}, 200, "", true},

		{"equals match", model.Condition{Operator: "equals", Field: "$.status", Expected: "active"}, 200, body, true},
		{"equals number vs string", model.Condition{Operator: "equals", Field: "$.count", Expected: "3"}, 200, body, true},
		{"equals mismatch", model.Condition{Operator: "equals", Field: "$.status", Expected: "gone"}, 200, body, false},
		{"equals missing field is false", model.Condition{Operator: "equals", Field: "$.nope", Expected: "x"}, 200, body, false},
		{"not_equals missing field is true", model.Condition{Operator: "not_equals", Field: "$.nope", Expected: "x"}, 200, body, true},
		{"not_equals mismatch passes", model.Condition{Operator: "not_equals", Field: "$.status", Expected: "gone"}, 200, body, true},

		{"contains", model.Condition{Operator: "contains", Field: "$.user.name", Expected: "da"}, 200, body, true},
		{"not_contains missing field is true", model.Condition{Operator: "not_contains", Field: "$.nope", Expected: "x"}, 200, body, true},

		{"regex match", model.Condition{Operator: "regex", Field: "$.status", Expected: "^act"}, 200, body, true},
		{"regex invalid is false", model.Condition{Operator: "regex", Field: "$.status", Expected: "("}, 200, body, false},

		{"exists nested", model.Condition{Operator: "exists", Field: "$.user.name"}, 200, body, true},
		{"exists array index", model.Condition{Operator: "exists", Field: "$.tags[1]"}, 200, body, true},
		{"exists missing", model.Condition{Operator: "exists", Field: "$.missing"}, 200, body, false},
		{"not_exists missing", model.Condition{Operator: "not_exists", Field: "$.missing"}, 200, body, true},

		{"non-json body reads as missing", model.Condition{Operator: "equals", Field: "$.x", Expected: "1"}, 200, "plain text", false},
		{"unknown operator is false", model.Condition{Operator: "bogus"}, 200, body, false},
		{"malformed value is false", model.Condition{Operator: "status_code_equals", Expected: "abc"}, 200, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, details := evalCondition(tt.cond, tt.statusCode, tt.body)
			if got != tt.want {
				t.Errorf("evalCondition() = %v (details %q), want %v", got, details, tt.want)
			}
			if !got && details == "" && !tt.cond.IsZero() {
				t.Error("failing condition must carry details")
			}
		})
	}
}

func TestSubstitute(t *testing.T) {
	vars := model.AnyMap{
		"token": "abc123",
		"count": float64(7),
		"flag":  true,
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain string untouched", "https://example.com/x", "https://example.com/x", false},
		{"single var", "Bearer {{token}}", "Bearer abc123", false},
		{"spaced var", "Bearer {{ token }}", "Bearer abc123", false},
		{"number formats without exponent", "n={{count}}", "n=7", false},
		{"bool", "f={{flag}}", "f=true", false},
		{"two vars", "{{token}}/{{count}}", "abc123/7", false},
		{"missing var errors", "x={{nope}}", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := substitute(tt.in, vars)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("substitute: %v", err)
			}
			if got != tt.want {
				t.Errorf("substitute(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestJSONPathInBody(t *testing.T) {
	body := `{"access_token":"tok-1","data":{"items":[{"id":10}]},"nil":null}`

	tests := []struct {
		path      string
		wantFound bool
		want      interface{}
	}{
		{"$.access_token", true, "tok-1"},
		{"access_token", true, "tok-1"},
		{"$.data.items[0].id", true, float64(10)},
		{"$.missing", false, nil},
		{"$.nil", false, nil},
		{"$.access_token.deep", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			v, found, err := jsonPathInBody(body, tt.path)
			if err != nil {
				t.Fatalf("jsonPathInBody: %v", err)
			}
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if found && v != tt.want {
				t.Errorf("value = %v, want %v", v, tt.want)
			}
		})
	}
}
