package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-json-experiment/json/jsontext"
)

// UnmarshalJSON accepts either a CDP header object ({"name": "value"}) or an
// array of {name, value} pairs. Object keys keep their wire order and
// duplicate names are kept as separate pairs.
func (h *Headers) UnmarshalJSON(data []byte) error {
	dec := jsontext.NewDecoder(bytes.NewReader(data), jsontext.AllowDuplicateNames(true))
	switch dec.PeekKind() {
	case 'n':
		*h = nil
		return nil
	case '[':
		var pairs []Header
		if err := json.Unmarshal(data, &pairs); err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		*h = pairs
		return nil
	case '{':
	default:
		return fmt.Errorf("headers: expected object, got %q", data)
	}

	if _, err := dec.ReadToken(); err != nil {
		return fmt.Errorf("headers: %w", err)
	}

	out := Headers{}
	for dec.PeekKind() != '}' {
		name, err := dec.ReadToken()
		if err != nil {
			return fmt.Errorf("headers: read name: %w", err)
		}
		val, err := dec.ReadValue()
		if err != nil {
			return fmt.Errorf("headers: read value for %q: %w", name.String(), err)
		}
		out = append(out, Header{Name: name.String(), Value: headerValue(val)})
	}
	if _, err := dec.ReadToken(); err != nil {
		return fmt.Errorf("headers: %w", err)
	}

	*h = out
	return nil
}

// headerValue unquotes string values and keeps any other JSON literal as text.
func headerValue(val jsontext.Value) string {
	if val.Kind() == '"' {
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			return s
		}
	}
	return string(val)
}
