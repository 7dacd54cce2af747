package intake

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/remiges-tech/sureq/insure"
)

// requestLine is the wire form of one line of a JSON-lines request file.
type requestLine struct {
	URL               string              `json:"url"`
	Method            string              `json:"method"`
	Headers           map[string][]string `json:"headers,omitempty"`
	Payload           string              `json:"payload,omitempty"`
	Priority          int                 `json:"priority,omitempty"`
	RetryFactor       int                 `json:"retryFactor,omitempty"`
	RetryInconsistent bool                `json:"retryInconsistent,omitempty"`
	MaxRetries        int                 `json:"maximumNumberOfRetries,omitempty"`
	TimeoutSeconds    int                 `json:"timeoutInSeconds,omitempty"`
}

// JSONLinesFileChk parses a request file with one JSON object per line.
// Blank lines are skipped. The whole file is rejected on the first bad
// line so a partially loaded file never happens.
func JSONLinesFileChk(fileContents string, fileName string) (bool, []insure.NewRequest, string) {
	var inputs []insure.NewRequest

	for n, line := range strings.Split(fileContents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var rl requestLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil {
			return false, nil, fmt.Sprintf("line %d: %v", n+1, err)
		}
		if err := validateRequestLine(rl); err != nil {
			return false, nil, fmt.Sprintf("line %d: %v", n+1, err)
		}

		inputs = append(inputs, insure.NewRequest{
			Priority:          rl.Priority,
			URL:               rl.URL,
			Method:            rl.Method,
			Headers:           rl.Headers,
			Payload:           rl.Payload,
			RetryFactor:       rl.RetryFactor,
			RetryInconsistent: rl.RetryInconsistent,
			MaxRetries:        rl.MaxRetries,
			TimeoutSeconds:    rl.TimeoutSeconds,
		})
	}

	if len(inputs) == 0 {
		return false, nil, "file contains no requests"
	}

	return true, inputs, ""
}

func validateRequestLine(rl requestLine) error {
	if rl.URL == "" {
		return fmt.Errorf("missing url")
	}
	u, err := url.Parse(rl.URL)
	if err != nil {
		return fmt.Errorf("bad url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if rl.Method == "" {
		return fmt.Errorf("missing method")
	}
	return nil
}
