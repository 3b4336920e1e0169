package collectors

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Envelope is the stored form of a raw payload: the fetched body plus
// the out-of-band values the fetch learned along the way (report URLs,
// object IDs, nonce handles). Older rows embedded the metadata in a
// leading HTML comment on the body itself; DecodeEnvelope still reads
// those.
type Envelope struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Body     string            `json:"body"`
}

// legacyMarkerRe matches the old inline metadata comment, e.g.
// "<!-- FORM990_METADATA: {"object_id": "2023..."} -->" on its own
// leading line.
var legacyMarkerRe = regexp.MustCompile(`(?s)^<!--\s*[A-Z0-9_]+:\s*(\{.*?\})\s*-->\r?\n?`)

// EncodeEnvelope wraps a body and its metadata for storage.
func EncodeEnvelope(meta map[string]string, body string) string {
	data, err := json.Marshal(Envelope{Metadata: meta, Body: body})
	if err != nil {
		return body
	}
	return string(data)
}

// DecodeEnvelope splits a stored raw payload into metadata and body.
// Three layouts exist: the JSON envelope written by Collect, the legacy
// leading comment marker, and bare bodies from before metadata existed.
// Raw API JSON without a "body" key falls through to the bare case.
func DecodeEnvelope(raw string) (map[string]string, string) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var env Envelope
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Body != "" {
			return env.Metadata, env.Body
		}
	}
	if m := legacyMarkerRe.FindStringSubmatch(raw); m != nil {
		// Numbers decode as json.Number: filing object IDs are 18-digit
		// integers that float64 would corrupt.
		var values map[string]any
		meta := map[string]string{}
		dec := json.NewDecoder(strings.NewReader(m[1]))
		dec.UseNumber()
		if err := dec.Decode(&values); err == nil {
			for k, v := range values {
				meta[k] = metaString(v)
			}
		}
		return meta, raw[len(m[0]):]
	}
	return nil, raw
}

func metaString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}
