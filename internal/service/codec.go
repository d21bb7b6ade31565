package service

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// decodeStringMap parses a persisted flat JSON object into a string map.
// Anything unparseable yields an empty map; persisted-state corruption is
// always a cache miss, never an error.
func decodeStringMap(raw string) map[string]string {
	m := make(map[string]string)
	if !gjson.Valid(raw) {
		return m
	}
	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		m[key.String()] = value.String()
		return true
	})
	return m
}

// encodeStringMap serializes a string map as a flat JSON object.
func encodeStringMap(m map[string]string) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// escapeJSONPath escapes a storage key for use as a gjson/sjson object
// path, so keys containing path metacharacters address a single field.
func escapeJSONPath(key string) string {
	replacer := strings.NewReplacer(
		".", `\.`,
		"*", `\*`,
		"?", `\?`,
		"|", `\|`,
		"#", `\#`,
		"@", `\@`,
	)
	return replacer.Replace(key)
}
