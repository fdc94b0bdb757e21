package collaborator

import (
	"encoding/json"
	"io"
	"strings"
)

// streamMessage is the subset of a stream-json message that's used.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Error string `json:"error"`

	Result       string   `json:"result"`
	IsError      bool     `json:"is_error"`
	Errors       []string `json:"errors"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	DurationMS   *int64   `json:"duration_ms"`
	NumTurns     *int     `json:"num_turns"`
}

type contentBlock struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
	Name string  `json:"name"`
}

// decodeStream decodes stream-json messages from r until EOF, passing them on
// to handle. It returns the last result message, if any.
func decodeStream(r io.Reader, handle Handler) (*Result, error) {
	var result *Result

	err := scanLines(r, func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}

		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
			handle(Event{Kind: EventRaw, Text: line})
			return
		}

		switch msg.Type {
		case "assistant":
			if msg.Message != nil {
				for _, block := range msg.Message.Content {
					switch {
					case block.Text != nil:
						handle(Event{Kind: EventText, Text: *block.Text + "\n"})
					case block.Name != "":
						handle(Event{Kind: EventTool, Text: block.Name})
					}
				}
			}

			if msg.Error == "rate_limit" {
				handle(Event{Kind: EventRateLimit})
			}

		case "result":
			result = &Result{
				Success:    msg.Subtype == "success" && !msg.IsError,
				Subtype:    msg.Subtype,
				Text:       msg.Result,
				Errors:     msg.Errors,
				CostUSD:    msg.TotalCostUSD,
				DurationMS: msg.DurationMS,
				NumTurns:   msg.NumTurns,
			}

			handle(Event{Kind: EventResult, Result: result})
		}
	})

	return result, err
}
