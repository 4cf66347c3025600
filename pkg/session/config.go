package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/drover/pkg/driver"
)

// createConfigSchema validates the opaque config object accepted at
// session creation. Unknown fields are rejected so typos surface early.
const createConfigSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"engine": {
			"type": "string",
			"enum": ["chromium"]
		},
		"headless": {
			"type": "boolean"
		},
		"viewport": {
			"type": "object",
			"additionalProperties": false,
			"required": ["width", "height"],
			"properties": {
				"width": {"type": "integer", "minimum": 100, "maximum": 7680},
				"height": {"type": "integer", "minimum": 100, "maximum": 4320}
			}
		},
		"args": {
			"type": "array",
			"maxItems": 32,
			"items": {"type": "string", "maxLength": 256}
		},
		"proxy_url": {
			"type": "string",
			"maxLength": 1024
		}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(createConfigSchema)

// CreateConfig is the validated per-session browser configuration
type CreateConfig struct {
	Engine   string           `json:"engine,omitempty"`
	Headless *bool            `json:"headless,omitempty"`
	Viewport *driver.Viewport `json:"viewport,omitempty"`
	Args     []string         `json:"args,omitempty"`
	ProxyURL string           `json:"proxy_url,omitempty"`
}

// ParseCreateConfig validates raw JSON against the schema and decodes
// it. An empty payload yields the zero config.
func ParseCreateConfig(raw json.RawMessage) (*CreateConfig, error) {
	if len(raw) == 0 {
		return &CreateConfig{}, nil
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("invalid session config: %v", err),
		}
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("invalid session config: %s", strings.Join(problems, "; ")),
		}
	}

	var cfg CreateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("invalid session config: %v", err),
		}
	}

	return &cfg, nil
}

// apply merges the per-session config over the base launch config
func (c *CreateConfig) apply(base driver.LaunchConfig) driver.LaunchConfig {
	out := base
	if c.Headless != nil {
		out.Headless = *c.Headless
	}
	if c.Viewport != nil {
		out.Viewport = c.Viewport
	}
	if len(c.Args) > 0 {
		out.Args = append(append([]string(nil), base.Args...), c.Args...)
	}
	if c.ProxyURL != "" {
		out.ProxyURL = c.ProxyURL
	}
	return out
}
