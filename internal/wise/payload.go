package wise

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Wise responses are either a bare list or an object wrapping the list under
// a key, and field names vary between API versions. These helpers read them
// loosely.

type object = map[string]interface{}

// items returns the list at key, or the payload itself when it is a list
func items(raw json.RawMessage, key string) ([]object, object) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil
	}
	var list []interface{}
	var wrapper object
	switch t := v.(type) {
	case []interface{}:
		list = t
	case map[string]interface{}:
		wrapper = t
		list, _ = t[key].([]interface{})
	}
	out := make([]object, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, wrapper
}

func decodeObject(raw json.RawMessage) object {
	var m object
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return object{}
	}
	return m
}

// str returns the first non-empty value among keys, formatting numbers as ids
func str(m object, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func optStr(m object, keys ...string) *string {
	if s := str(m, keys...); s != "" {
		return &s
	}
	return nil
}

// num reads a number that may be a JSON number, a numeric string, or an
// amount object of the form {"value": 1.5, "currency": "EUR"}
func num(m object, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		case map[string]interface{}:
			if _, ok := v["value"]; ok {
				return num(v, "value")
			}
		}
	}
	return 0
}

// amountCurrency returns the currency nested in an amount object, if any
func amountCurrency(m object, key string) string {
	if v, ok := m[key].(map[string]interface{}); ok {
		return str(v, "currency")
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// timestamp parses the first parseable value among keys, else fallback
func timestamp(m object, fallback time.Time, keys ...string) time.Time {
	for _, k := range keys {
		s, ok := m[k].(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return fallback
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
