package packet

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Encoder converts a packet into the payload published to the broker.
type Encoder interface {
	Encode(p Packet) ([]byte, error)
	// ContentType is the MIME type of the encoded payload.
	ContentType() string
}

// NewEncoder returns the encoder for a configured payload format
// ("json" or "yaml").
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "", "json":
		return JSONEncoder{}, nil
	case "yaml":
		return YAMLEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

// JSONEncoder writes the raw field mapping as a compact JSON object.
type JSONEncoder struct{}

func (JSONEncoder) Encode(p Packet) ([]byte, error) {
	b, err := json.Marshal(p.fields)
	if err != nil {
		return nil, fmt.Errorf("encode packet as json: %w", err)
	}
	return b, nil
}

func (JSONEncoder) ContentType() string { return "application/json" }

// YAMLEncoder writes the raw field mapping as a YAML document.
type YAMLEncoder struct{}

func (YAMLEncoder) Encode(p Packet) ([]byte, error) {
	b, err := yaml.Marshal(normalize(p.fields))
	if err != nil {
		return nil, fmt.Errorf("encode packet as yaml: %w", err)
	}
	return b, nil
}

func (YAMLEncoder) ContentType() string { return "application/yaml" }

// normalize replaces json.Number values with int64 or float64 so YAML
// renders them as numbers rather than quoted strings.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
