package envelope

import "regexp"

// ANSI escape sequences are stripped from every string field of a response
// before it is written. The one exception is schema.describe, whose data is
// literal JSON Schema and is excluded by the caller.
var ansiPattern = regexp.MustCompile(`\x1b(\[[0-9;?]*[A-Za-z]|\][^\x07]*\x07|[@-_])`)

// StripANSIString removes escape sequences from a single string.
func StripANSIString(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// StripANSI walks a decoded JSON tree once and strips escape sequences from
// every string it finds, returning the (possibly shared) filtered value.
func StripANSI(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return StripANSIString(t)
	case map[string]interface{}:
		for k, e := range t {
			t[k] = StripANSI(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = StripANSI(e)
		}
		return t
	default:
		return v
	}
}
