package openaicompat

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/nevindra/relay"
)

// maxLine bounds a single SSE line.
const maxLine = 1 << 20

// Decoder turns a chat completions SSE stream into relay stream events.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder returns a Decoder. A nil logger discards.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Decoder{logger: logger}
}

// DecodeResult is everything accumulated from one stream.
type DecodeResult struct {
	Content      string
	ToolCalls    []relay.ToolCallDelta
	FinishReason string
	Usage        relay.Usage
	// Skipped counts data lines that were not valid JSON.
	Skipped int
}

// ToolCallList converts the accumulated calls. Arguments that are not valid
// JSON become {} with the raw text kept in RawArgs. Fragments that never
// received an id or a name are dropped.
func (r DecodeResult) ToolCallList() []relay.ToolCall {
	var out []relay.ToolCall
	for _, d := range r.ToolCalls {
		if d.ID == "" && d.Name == "" {
			continue
		}
		out = append(out, toolCall(d.ID, d.Name, d.Arguments))
	}
	return out
}

// Response converts the result to a relay.ChatResponse.
func (r DecodeResult) Response() relay.ChatResponse {
	return relay.ChatResponse{
		Content:      r.Content,
		ToolCalls:    r.ToolCallList(),
		FinishReason: r.FinishReason,
		Usage:        r.Usage,
	}
}

type partialCall struct {
	index int
	id    strings.Builder
	name  strings.Builder
	args  strings.Builder
}

// Decode reads r until "data: [DONE]" or EOF, sending events to ch (which
// may be nil). Lines without the "data: " prefix are ignored and malformed
// JSON is skipped. Decoding continues past finish_reason so a trailing usage
// chunk is still read. Decode does not close ch.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, ch chan<- relay.StreamEvent) (DecodeResult, error) {
	var (
		res     DecodeResult
		content strings.Builder
		// calls is kept sorted by wire index; byIndex finds a call's
		// accumulator without trusting the index as a slice position.
		calls   []*partialCall
		byIndex = make(map[int]*partialCall)
	)
	snapshot := func() []relay.ToolCallDelta {
		out := make([]relay.ToolCallDelta, len(calls))
		for i, c := range calls {
			out[i] = relay.ToolCallDelta{Index: c.index, ID: c.id.String(), Name: c.name.String(), Arguments: c.args.String()}
		}
		return out
	}
	emit := func(ev relay.StreamEvent) error {
		if ch == nil {
			return nil
		}
		if !relay.Emit(ctx, ch, ev) {
			return ctx.Err()
		}
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			res.Skipped++
			d.logger.Debug("skipping malformed stream line", "line", lineNo, "error", err)
			continue
		}
		if chunk.Usage != nil {
			res.Usage = relay.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if delta := choice.Delta; delta != nil {
			if delta.Content != "" {
				content.WriteString(delta.Content)
				if err := emit(relay.StreamEvent{
					Type:        relay.EventContent,
					Content:     delta.Content,
					Accumulated: content.String(),
				}); err != nil {
					return res, err
				}
			}
			for _, tc := range delta.ToolCalls {
				if tc.Index < 0 {
					res.Skipped++
					continue
				}
				c, ok := byIndex[tc.Index]
				if !ok {
					c = &partialCall{index: tc.Index}
					byIndex[tc.Index] = c
					pos, _ := slices.BinarySearchFunc(calls, tc.Index, func(p *partialCall, idx int) int {
						return cmp.Compare(p.index, idx)
					})
					calls = slices.Insert(calls, pos, c)
				}
				c.id.WriteString(tc.ID)
				c.name.WriteString(tc.Function.Name)
				c.args.WriteString(tc.Function.Arguments)
				if err := emit(relay.StreamEvent{Type: relay.EventToolCallDelta, ToolCalls: snapshot()}); err != nil {
					return res, err
				}
			}
		}

		if choice.FinishReason != "" {
			res.FinishReason = choice.FinishReason
			if err := emit(relay.StreamEvent{
				Type:         relay.EventFinish,
				FinishReason: choice.FinishReason,
				Accumulated:  content.String(),
				ToolCalls:    snapshot(),
			}); err != nil {
				return res, err
			}
		}
	}

	res.Content = content.String()
	res.ToolCalls = snapshot()
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read stream: %w", err)
	}
	if res.Skipped > 0 {
		d.logger.Debug("stream decoded with skipped lines", "skipped", res.Skipped)
	}
	return res, nil
}
