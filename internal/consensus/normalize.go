package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Normalize returns the canonical form used to group results: object keys
// sorted, insignificant whitespace removed, numbers in shortest form and every
// string value trimmed and Unicode case-folded.
func Normalize(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	if dec.More() {
		return "", fmt.Errorf("decode result: trailing data after JSON value")
	}

	folder := cases.Fold()
	out, err := json.Marshal(canonical(v, folder))
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}

func canonical(v any, folder cases.Caser) any {
	switch val := v.(type) {
	case string:
		return folder.String(strings.TrimSpace(val))
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return json.RawMessage(strconv.FormatFloat(f, 'g', -1, 64))
		}
		return val
	case []any:
		for i := range val {
			val[i] = canonical(val[i], folder)
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = canonical(val[k], folder)
		}
		return val
	default:
		return val
	}
}
