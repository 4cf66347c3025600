package driver

import (
	"fmt"
	"regexp"
	"strings"
)

// CommandKind identifies a browser operation
type CommandKind string

const (
	KindNavigate   CommandKind = "navigate"
	KindEvaluate   CommandKind = "evaluate"
	KindScreenshot CommandKind = "screenshot"
	KindClick      CommandKind = "click"
	KindType       CommandKind = "type"
	KindExtract    CommandKind = "extract"
	KindClose      CommandKind = "close"
)

// Command is a single browser operation. Exactly one command executes
// against a handle at a time; serialization is enforced by the dispatcher.
type Command struct {
	Kind     CommandKind `json:"kind"`
	URL      string      `json:"url,omitempty"`      // navigate
	Script   string      `json:"script,omitempty"`   // evaluate
	Selector string      `json:"selector,omitempty"` // click, type, extract
	Value    string      `json:"value,omitempty"`    // type
	Extract  string      `json:"extract,omitempty"`  // "text", "html", "selector"
	FullPage bool        `json:"full_page,omitempty"`
}

// Result is the outcome of a successfully executed command
type Result struct {
	Kind     CommandKind `json:"kind"`
	URL      string      `json:"url,omitempty"`
	Title    string      `json:"title,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Text     string      `json:"text,omitempty"`
	Image    string      `json:"image,omitempty"` // base64 PNG
	Duration int64       `json:"duration_ms"`
}

// Viewport describes the page viewport dimensions
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LaunchConfig configures a browser launch. The process binds to the
// virtual display supplied by the surrounding environment.
type LaunchConfig struct {
	Headless    bool      `json:"headless"`
	NoSandbox   bool      `json:"no_sandbox"`
	ChromePath  string    `json:"chrome_path,omitempty"`
	UserDataDir string    `json:"user_data_dir,omitempty"`
	Args        []string  `json:"args,omitempty"`
	Viewport    *Viewport `json:"viewport,omitempty"`
	ProxyURL    string    `json:"proxy_url,omitempty"`
	CDPPort     int       `json:"cdp_port,omitempty"`
}

var blockedURLSchemes = []string{
	"javascript:",
	"data:",
	"file:",
	"chrome:",
	"about:config",
}

var selectorGuard = regexp.MustCompile(`(?i)(<script|javascript:|onerror=)`)

// Validate checks the command for required fields and unsafe input
func (c Command) Validate() error {
	switch c.Kind {
	case KindNavigate:
		if c.URL == "" {
			return &Error{Code: ErrCodeValidation, Message: "navigate requires a url"}
		}
		lower := strings.ToLower(strings.TrimSpace(c.URL))
		for _, scheme := range blockedURLSchemes {
			if strings.HasPrefix(lower, scheme) {
				return &Error{
					Code:    ErrCodeValidation,
					Message: fmt.Sprintf("blocked URL scheme: %s", scheme),
				}
			}
		}
	case KindEvaluate:
		if c.Script == "" {
			return &Error{Code: ErrCodeValidation, Message: "evaluate requires a script"}
		}
	case KindClick:
		if c.Selector == "" {
			return &Error{Code: ErrCodeValidation, Message: "click requires a selector"}
		}
	case KindType:
		if c.Selector == "" || c.Value == "" {
			return &Error{Code: ErrCodeValidation, Message: "type requires a selector and value"}
		}
	case KindExtract:
		switch c.Extract {
		case "text", "html":
		case "selector":
			if c.Selector == "" {
				return &Error{Code: ErrCodeValidation, Message: "extract by selector requires a selector"}
			}
		default:
			return &Error{
				Code:    ErrCodeValidation,
				Message: fmt.Sprintf("unknown extract type: %q", c.Extract),
			}
		}
	case KindScreenshot, KindClose:
	default:
		return &Error{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("unknown command kind: %q", c.Kind),
		}
	}

	if c.Selector != "" && selectorGuard.MatchString(c.Selector) {
		return &Error{Code: ErrCodeValidation, Message: "selector contains unsafe content"}
	}

	return nil
}
