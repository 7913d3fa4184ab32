package state

import (
	"encoding/json"
	"strings"

	"github.com/corerun/agentcore/internal/envelope"
)

// AssistantTextCollector accumulates one turn's assistant-visible text from
// a stream of envelopes, per SPEC_FULL.md §4.7/§4.7A: it prefers streamed
// deltas over the completed-item/turn duplicate of the same text, and
// merges turn/completed only when it extends or differs from what was
// already collected.
type AssistantTextCollector struct {
	assistantItemIDs      map[string]struct{}
	assistantItemsWithDelta map[string]struct{}
	text                  strings.Builder
}

// NewAssistantTextCollector returns an empty collector.
func NewAssistantTextCollector() *AssistantTextCollector {
	return &AssistantTextCollector{
		assistantItemIDs:        make(map[string]struct{}),
		assistantItemsWithDelta: make(map[string]struct{}),
	}
}

// Text returns the text collected so far.
func (c *AssistantTextCollector) Text() string {
	return c.text.String()
}

// PushEnvelope folds one envelope into the collected text.
func (c *AssistantTextCollector) PushEnvelope(env *envelope.Envelope) {
	params := decodeParams(env.Raw)
	c.trackAssistantItem(env, params)
	c.appendTextFromEnvelope(env, params)
}

func (c *AssistantTextCollector) trackAssistantItem(env *envelope.Envelope, params map[string]json.RawMessage) {
	if env.Method != "item/started" {
		return
	}
	itemType, _ := stringField(params, "itemType")
	if itemType != "agentMessage" && itemType != "agent_message" {
		return
	}
	if env.Ids.ItemID != "" {
		c.assistantItemIDs[env.Ids.ItemID] = struct{}{}
	}
}

func (c *AssistantTextCollector) appendTextFromEnvelope(env *envelope.Envelope, params map[string]json.RawMessage) {
	switch env.Method {
	case "item/agentMessage/delta":
		delta, ok := stringField(params, "delta")
		if !ok {
			return
		}
		if env.Ids.ItemID != "" {
			c.assistantItemsWithDelta[env.Ids.ItemID] = struct{}{}
		}
		c.text.WriteString(delta)

	case "item/completed":
		_, trackedByID := c.assistantItemIDs[env.Ids.ItemID]
		isAssistantItem := trackedByID || isAgentMessageItemType(params)
		if !isAssistantItem {
			return
		}
		if _, hadDelta := c.assistantItemsWithDelta[env.Ids.ItemID]; hadDelta {
			return
		}
		text := extractTextFromParams(params)
		if text == "" {
			return
		}
		if c.text.Len() != 0 {
			c.text.WriteByte('\n')
		}
		c.text.WriteString(text)

	case "turn/completed":
		text := extractTextFromParams(params)
		mergeTurnCompletedText(&c.text, text)
	}
}

func isAgentMessageItemType(params map[string]json.RawMessage) bool {
	if params == nil {
		return false
	}
	itemRaw, present := params["item"]
	if !present {
		return false
	}
	var item map[string]json.RawMessage
	if err := json.Unmarshal(itemRaw, &item); err != nil {
		return false
	}
	t, ok := stringField(item, "type")
	if !ok {
		return false
	}
	return t == "agent_message" || t == "agentMessage"
}

// mergeTurnCompletedText implements the exact merge rule of §4.7: no-op on
// empty text; adopt when the accumulator is empty; no-op on exact match;
// promote to the complete payload when it extends the current accumulator
// as a prefix; no-op when the accumulator already ends with it; otherwise
// append with a newline separator.
func mergeTurnCompletedText(out *strings.Builder, text string) {
	if text == "" {
		return
	}
	current := out.String()
	if current == "" {
		out.WriteString(text)
		return
	}
	if current == text {
		return
	}
	if strings.HasPrefix(text, current) {
		out.Reset()
		out.WriteString(text)
		return
	}
	if strings.HasSuffix(current, text) {
		return
	}
	out.WriteByte('\n')
	out.WriteString(text)
}

// extractTextFromParams walks the exact fallback chain of §4.7A:
// params.item.text, params.text, params.outputText, params.output.text,
// then the concatenation of .text across params.item.content[].
func extractTextFromParams(params map[string]json.RawMessage) string {
	if params == nil {
		return ""
	}
	if item, ok := decodeNested(params, "item"); ok {
		if text, ok := stringField(item, "text"); ok && text != "" {
			return text
		}
	}
	if text, ok := stringField(params, "text"); ok && text != "" {
		return text
	}
	if text, ok := stringField(params, "outputText"); ok && text != "" {
		return text
	}
	if output, ok := decodeNested(params, "output"); ok {
		if text, ok := stringField(output, "text"); ok && text != "" {
			return text
		}
	}
	if item, ok := decodeNested(params, "item"); ok {
		if contentRaw, present := item["content"]; present {
			var content []map[string]json.RawMessage
			if err := json.Unmarshal(contentRaw, &content); err == nil {
				var joined strings.Builder
				for _, part := range content {
					if text, ok := stringField(part, "text"); ok {
						joined.WriteString(text)
					}
				}
				if joined.Len() != 0 {
					return joined.String()
				}
			}
		}
	}
	return ""
}

func decodeNested(obj map[string]json.RawMessage, key string) (map[string]json.RawMessage, bool) {
	raw, present := obj[key]
	if !present {
		return nil, false
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, false
	}
	return nested, true
}

// ParseThreadID parses a thread id from common JSON-RPC result shapes:
// /thread/id, threadId, id, or a bare string value.
func ParseThreadID(raw json.RawMessage) string {
	return parseIDLike(raw, "thread", "threadId")
}

// ParseTurnID parses a turn id analogously.
func ParseTurnID(raw json.RawMessage) string {
	return parseIDLike(raw, "turn", "turnId")
}

func parseIDLike(raw json.RawMessage, nestedKey, flatKey string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if nested, ok := decodeNested(obj, nestedKey); ok {
			if s, ok := stringField(nested, "id"); ok {
				return s
			}
		}
		if s, ok := stringField(obj, flatKey); ok {
			return s
		}
		if s, ok := stringField(obj, "id"); ok {
			return s
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
