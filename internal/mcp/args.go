package mcp

import (
	"encoding/json"
	"fmt"

	mcplib "github.com/modelcontextprotocol/go-sdk/mcp"
)

// args is a tool call's decoded arguments. A missing or malformed payload
// decodes to an empty map, so every getter falls back to its default.
type args map[string]any

func parseArgs(raw json.RawMessage) args {
	if len(raw) == 0 {
		return args{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return args{}
	}
	return m
}

// String returns a string argument, or def if absent or not a string.
func (a args) String(key, def string) string {
	s, ok := a[key].(string)
	if !ok {
		return def
	}
	return s
}

// Int returns a numeric argument truncated to int, or def.
func (a args) Int(key string, def int) int {
	f, ok := a[key].(float64)
	if !ok {
		return def
	}
	return int(f)
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{&mcplib.TextContent{Text: text}},
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return textResult(string(data)), nil
}

func errorResult(format string, a ...any) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{&mcplib.TextContent{Text: fmt.Sprintf(format, a...)}},
	}
}
