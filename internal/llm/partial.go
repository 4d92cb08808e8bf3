package llm

import (
	"encoding/json"
	"strings"
)

// Completer buffers streaming tool-argument fragments and produces a
// best-effort completed JSON document after each append. Providers
// stream tool arguments as raw JSON fragments; completing the truncated
// document lets text sub-fields surface to the UI while the tool call
// is still being generated.
//
// The contract is best effort, never crash: adversarial fragments yield
// ok=false rather than invalid JSON.
type Completer struct {
	buf strings.Builder
}

// Append adds a fragment to the buffer.
func (c *Completer) Append(fragment string) {
	c.buf.WriteString(fragment)
}

// Raw returns the accumulated fragment text.
func (c *Completer) Raw() string {
	return c.buf.String()
}

// Complete returns the buffered fragments completed into valid JSON.
// ok is false when the buffer is empty or cannot be repaired.
func (c *Completer) Complete() (string, bool) {
	return CompleteJSON(c.buf.String())
}

// Object completes the buffer and unmarshals it into a map.
func (c *Completer) Object() (map[string]any, bool) {
	s, ok := c.Complete()
	if !ok {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

type jsonFrame struct {
	isObj       bool
	memberStart int // byte offset where the current member/element begins
	stage       int // objects: 0 expecting key, 1 key closed, 2 value expected/in progress
}

// CompleteJSON repairs a truncated JSON prefix into a valid document:
// open strings are closed, dangling keys and half-written literals are
// dropped back to the previous complete member, and unclosed containers
// are closed. The result is validated before returning; malformed input
// that cannot be repaired yields ok=false.
func CompleteJSON(s string) (string, bool) {
	if strings.TrimSpace(s) == "" {
		return "", false
	}

	var stack []jsonFrame
	inStr := false
	esc := false
	strIsKey := false
	lastStructural := -1

	top := func() *jsonFrame {
		if len(stack) == 0 {
			return nil
		}
		return &stack[len(stack)-1]
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if esc {
				esc = false
				continue
			}
			switch ch {
			case '\\':
				esc = true
			case '"':
				inStr = false
				if strIsKey {
					top().stage = 1
				}
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
			t := top()
			strIsKey = t != nil && t.isObj && t.stage == 0
		case '{':
			stack = append(stack, jsonFrame{isObj: true, memberStart: i + 1})
			lastStructural = i
		case '[':
			stack = append(stack, jsonFrame{isObj: false, memberStart: i + 1, stage: 2})
			lastStructural = i
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			lastStructural = i
		case ':':
			if t := top(); t != nil && t.isObj {
				t.stage = 2
			}
			lastStructural = i
		case ',':
			if t := top(); t != nil {
				t.memberStart = i + 1
				if t.isObj {
					t.stage = 0
				}
			}
			lastStructural = i
		}
	}

	out := s

	// A trailing backslash is half an escape sequence; drop it before
	// closing the string.
	if inStr && esc {
		out = out[:len(out)-1]
	}

	if inStr {
		if strIsKey {
			out = trimDanglingMember(out, top())
		} else {
			out += `"`
		}
	} else if t := top(); t != nil {
		tail := strings.TrimSpace(out[lastStructural+1:])
		switch {
		case t.isObj && t.stage == 1:
			// Key closed but no value started.
			out = trimDanglingMember(out, t)
		case strings.TrimRight(out, " \t\r\n")[len(strings.TrimRight(out, " \t\r\n"))-1] == ':':
			out = trimDanglingMember(out, t)
		case tail != "" && !strings.HasSuffix(tail, `"`) && tail[len(tail)-1] != '}' && tail[len(tail)-1] != ']':
			if fixed, ok := repairLiteral(tail); ok {
				out = out[:lastStructural+1] + fixed
			} else {
				out = trimDanglingMember(out, t)
			}
		}
	}

	// A member separator with nothing after it would leave a trailing
	// comma once the container is closed.
	if t := strings.TrimRight(out, " \t\r\n"); strings.HasSuffix(t, ",") {
		out = strings.TrimSuffix(t, ",")
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].isObj {
			out += "}"
		} else {
			out += "]"
		}
	}

	if !json.Valid([]byte(out)) {
		return "", false
	}
	return out, true
}

// trimDanglingMember cuts an in-progress member back to the start of
// the current member and removes the separator that preceded it.
func trimDanglingMember(s string, t *jsonFrame) string {
	if t == nil || t.memberStart > len(s) {
		return s
	}
	out := strings.TrimRight(s[:t.memberStart], " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	return out
}

// repairLiteral completes a bare literal token: complete keywords and
// valid number prefixes survive, anything else is rejected.
func repairLiteral(tok string) (string, bool) {
	switch tok {
	case "true", "false", "null":
		return tok, true
	}
	for _, kw := range []string{"true", "false", "null"} {
		if strings.HasPrefix(kw, tok) {
			return "", false
		}
	}
	// Number in progress: trim a trailing partial exponent or decimal
	// point, then require at least one digit.
	trimmed := strings.TrimRight(tok, "+-.eE")
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return "", false
	}
	return trimmed, true
}
