// Package streamparser incrementally decodes the runner's line-delimited
// JSON output into a structured result (spec.md §4.5).
package streamparser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"regexp"
)

// ToolUseInfo is extracted from an "assistant" event's message.content[]
// elements with type="tool_use".
type ToolUseInfo struct {
	ID   string
	Name string
}

// ToolResultInfo is extracted from a "user" event's message.content[]
// elements with type="tool_result".
type ToolResultInfo struct {
	ToolUseID string
}

// Result is the aggregated outcome of parsing a runner's output stream.
type Result struct {
	SessionID     string
	IsError       bool
	ErrorMessage  string
	ToolCallCount int
	ToolCalls     []ToolUseInfo
	ToolResults   []ToolResultInfo
	Events        []json.RawMessage
}

// event is the minimal tagged-union shape every recognized line carries.
// Unknown types/subtypes/fields are ignored forward-compatibly.
type event struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message *contentMessage `json:"message"`
	IsError bool            `json:"is_error"`
	Error   string          `json:"error"`
	Result  string          `json:"result"`
}

type contentMessage struct {
	Content []contentItem `json:"content"`
}

type contentItem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ToolUseID string `json:"tool_use_id"`
}

// ansiCSI strips terminal escape sequences that may prefix an otherwise
// valid JSON line.
var ansiCSI = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Parser consumes a runner's stdout line-by-line and builds up a Result.
// It is not safe for concurrent use.
type Parser struct {
	sessionID     string
	sessionSeen   bool
	isError       bool
	errorMessage  string
	toolCallCount int
	toolCalls     []ToolUseInfo
	toolResults   []ToolResultInfo
	events        []json.RawMessage
	raw           bytes.Buffer
}

func New() *Parser {
	return &Parser{}
}

// Consume reads r line-by-line until EOF, updating the Parser's state.
// Non-JSON lines (status text, bare escape sequences) are skipped silently;
// malformed JSON lines are dropped as well, without being logged, and
// parsing continues with the next line.
func (p *Parser) Consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		p.raw.Write(line)
		p.raw.WriteByte('\n')
		if len(line) == 0 {
			continue
		}
		p.handleLine(line)
	}
}

func (p *Parser) handleLine(line []byte) {
	cleaned := ansiCSI.ReplaceAll(line, nil)
	cleaned = bytes.TrimSpace(cleaned)
	if len(cleaned) == 0 || cleaned[0] != '{' {
		return
	}

	var e event
	if err := json.Unmarshal(cleaned, &e); err != nil {
		return
	}
	p.events = append(p.events, json.RawMessage(append([]byte(nil), cleaned...)))

	switch e.Type {
	case "system":
		if e.Subtype == "init" {
			p.extractSessionID(cleaned)
		}
	case "assistant":
		if e.Message != nil {
			for _, item := range e.Message.Content {
				if item.Type == "tool_use" {
					p.toolCallCount++
					p.toolCalls = append(p.toolCalls, ToolUseInfo{ID: item.ID, Name: item.Name})
				}
			}
		}
	case "user":
		if e.Message != nil {
			for _, item := range e.Message.Content {
				if item.Type == "tool_result" {
					p.toolResults = append(p.toolResults, ToolResultInfo{ToolUseID: item.ToolUseID})
				}
			}
		}
	case "result":
		p.isError = e.IsError
		if e.IsError {
			if e.Error != "" {
				p.errorMessage = e.Error
			} else {
				p.errorMessage = e.Result
			}
		}
	}
}

// extractSessionID pulls session_id out of a system/init event without a
// full struct tag since its location is a flat top-level field on that
// event shape specifically.
func (p *Parser) extractSessionID(line []byte) {
	if p.sessionSeen {
		return
	}
	var init struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(line, &init); err != nil || init.SessionID == "" {
		return
	}
	p.sessionID = init.SessionID
	p.sessionSeen = true
}

// Result returns the aggregated parse result. session_id is exposed as soon
// as it was seen even if parsing later stops on an error, per the testable
// property in spec.md §8.
func (p *Parser) Result() Result {
	return Result{
		SessionID:     p.sessionID,
		IsError:       p.isError,
		ErrorMessage:  p.errorMessage,
		ToolCallCount: p.toolCallCount,
		ToolCalls:     p.toolCalls,
		ToolResults:   p.toolResults,
		Events:        p.events,
	}
}

// Raw returns every line consumed so far, newline-joined, for diagnostics.
func (p *Parser) Raw() string {
	return p.raw.String()
}
