package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ExtractJSON pulls the JSON object out of a model response, tolerating
// surrounding prose and markdown code fences.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)

	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.IndexByte(rest, '\n'); j >= 0 {
			rest = rest[j+1:]
		}
		if k := strings.Index(rest, "```"); k >= 0 {
			rest = rest[:k]
		}
		s = strings.TrimSpace(rest)
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return s[start : end+1], nil
}

// ValidateJSON extracts a JSON object from text and validates it against
// the schema, returning the raw object on success.
func ValidateJSON(schemaSrc, text string) (json.RawMessage, error) {
	doc, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(doc)) {
		return nil, fmt.Errorf("response is not valid JSON")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaSrc),
		gojsonschema.NewStringLoader(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("validate response schema: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, schemaErr := range result.Errors() {
			errs = append(errs, schemaErr.String())
		}
		sort.Strings(errs)
		return nil, fmt.Errorf("schema validation failed: %s", strings.Join(errs, "; "))
	}
	return json.RawMessage(doc), nil
}
