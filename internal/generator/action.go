package generator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ActionCreateOrder asks the orchestrator to capture a confirmed order.
const ActionCreateOrder = "create_order"

// Action is a structured intent the model appends to its reply.
type Action struct {
	Type   string
	Fields map[string]string
}

var actionRe = regexp.MustCompile(`(?s)<<action\s*(\{.*?\})\s*>>`)

// ExtractAction removes every <<action {...}>> marker from raw and returns
// the last well-formed one. A malformed marker is still stripped; its parse
// error is returned alongside the cleaned text.
func ExtractAction(raw string) (string, *Action, error) {
	matches := actionRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(raw), nil, nil
	}
	text := strings.TrimSpace(actionRe.ReplaceAllString(raw, ""))

	var payload struct {
		Type   string         `json:"type"`
		Fields map[string]any `json:"fields"`
	}
	last := matches[len(matches)-1][1]
	if err := json.Unmarshal([]byte(last), &payload); err != nil {
		return text, nil, fmt.Errorf("parsing action: %w", err)
	}
	if payload.Type == "" {
		return text, nil, fmt.Errorf("parsing action: missing type")
	}

	a := &Action{Type: payload.Type, Fields: make(map[string]string, len(payload.Fields))}
	for k, v := range payload.Fields {
		a.Fields[k] = stringify(v)
	}
	return text, a, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

var (
	boldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe  = regexp.MustCompile(`\*([^*]+)\*`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s*`)
)

// CleanMarkdown strips bold and italic markers and heading prefixes. The
// chat widget renders plain text.
func CleanMarkdown(s string) string {
	s = boldRe.ReplaceAllString(s, "$1")
	s = italicRe.ReplaceAllString(s, "$1")
	s = headingRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "*", "")
	return strings.TrimSpace(s)
}
