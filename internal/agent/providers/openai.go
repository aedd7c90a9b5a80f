// Package providers contains ChatProvider implementations for vendor
// chat-completion APIs.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/calagent/calagent/internal/agent"
)

// functionCallOverheadTokens is the fixed cost added to the advisory
// output-token estimate whenever a pass produced tool calls.
const functionCallOverheadTokens = 10

// OpenAIProvider implements agent.ChatProvider over an OpenAI-compatible
// chat-completion API.
//
// Streaming specifics handled here:
//   - Tool calls arrive as fragments correlated only by index; the
//     arguments substring is concatenated per index in arrival order.
//   - One FunctionCalling event is emitted after the stream ends, with
//     every assembled call and an advisory token estimate.
//   - The whole attempt (never individual chunks) is retried on any
//     failure, with fresh accumulators per attempt.
type OpenAIProvider struct {
	client *openai.Client
	model  string

	// retryDelay is the linear-backoff base: the sleep before attempt
	// n (n >= 1) is retryDelay * n.
	retryDelay time.Duration

	logger *slog.Logger
}

// Option configures an OpenAIProvider.
type Option func(*OpenAIProvider)

// WithRetryDelay overrides the backoff base, mainly for tests.
func WithRetryDelay(d time.Duration) Option {
	return func(p *OpenAIProvider) { p.retryDelay = d }
}

// NewOpenAIProvider builds a provider for the given API key and default
// model. baseURL overrides the API endpoint when non-empty (proxies,
// compatible vendors, test servers).
func NewOpenAIProvider(apiKey, baseURL, model string, logger *slog.Logger, opts ...Option) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	p := &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		retryDelay: 500 * time.Millisecond,
		logger:     logger.With("component", "openai"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// CompleteStream performs a streaming completion. Text deltas are
// emitted as they arrive; assembled tool calls and the terminal event
// follow the stream end.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.Event, error) {
	if p.client == nil {
		return nil, errors.New("openai client not configured")
	}

	events := make(chan agent.Event)
	go func() {
		defer close(events)
		p.withRetry(ctx, req, events, p.streamOnce)
	}()
	return events, nil
}

// Complete performs one non-streaming round trip, synthesizing the same
// event sequence from the single response object.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.Event, error) {
	if p.client == nil {
		return nil, errors.New("openai client not configured")
	}

	events := make(chan agent.Event)
	go func() {
		defer close(events)
		p.withRetry(ctx, req, events, p.completeOnce)
	}()
	return events, nil
}

// withRetry runs one attempt function up to req.Retries+1 times with
// linear backoff. Partial accumulation from a failed attempt is
// discarded by the attempt itself; exhaustion emits the typed failure.
func (p *OpenAIProvider) withRetry(ctx context.Context, req *agent.CompletionRequest, events chan<- agent.Event, attemptFn func(context.Context, *agent.CompletionRequest, chan<- agent.Event) error) {
	attempts := req.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				p.emitContextFailure(ctx, events, attempt, lastErr)
				return
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		err := attemptFn(ctx, req, events)
		if err == nil {
			return
		}
		lastErr = err
		p.logger.Warn("completion attempt failed", "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			p.emitContextFailure(ctx, events, attempt+1, lastErr)
			return
		}
	}

	events <- agent.ErrorEvent{Err: &agent.CompletionError{Attempts: attempts, Err: lastErr}}
}

func (p *OpenAIProvider) emitContextFailure(ctx context.Context, events chan<- agent.Event, attempts int, lastErr error) {
	err := &agent.CompletionError{Attempts: attempts, Err: errors.Join(ctx.Err(), lastErr)}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		events <- agent.TimeoutEvent{Err: err}
		return
	}
	events <- agent.ErrorEvent{Err: err}
}

// streamOnce runs a single streaming attempt with fresh accumulators.
// Deltas already forwarded by a failed attempt cannot be unsent; the
// internal state is discarded so a later attempt starts clean.
func (p *OpenAIProvider) streamOnce(ctx context.Context, req *agent.CompletionRequest, events chan<- agent.Event) error {
	chatReq, err := p.buildRequest(req, true)
	if err != nil {
		return err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	// Accumulators, fresh per attempt. calls grows on first sight of
	// each stream-reported index, so a reordering vendor cannot split
	// one logical call across two slots.
	var (
		calls        []rawToolCall
		contentTotal string
		usage        *openai.Usage
	)

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("recv: %w", err)
		}

		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			contentTotal += delta.Content
			events <- agent.ContentEvent{Delta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			for index >= len(calls) {
				calls = append(calls, rawToolCall{index: len(calls)})
			}
			if tc.ID != "" {
				calls[index].id = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].name = tc.Function.Name
			}
			calls[index].arguments += tc.Function.Arguments
		}
	}

	if len(calls) > 0 {
		assembled, tokens, err := assembleCalls(calls)
		if err != nil {
			// A call whose arguments never became valid JSON poisons
			// the whole response; surfacing it per-call would hand the
			// caller a half-valid set.
			return err
		}
		events <- agent.FunctionCallingEvent{Calls: assembled, OutputTokens: tokens}
	}

	done := agent.DoneEvent{Content: contentTotal}
	if usage != nil {
		done.InputTokens = usage.PromptTokens
		done.OutputTokens = usage.CompletionTokens
	}
	events <- done
	return nil
}

// completeOnce runs a single non-streaming attempt.
func (p *OpenAIProvider) completeOnce(ctx context.Context, req *agent.CompletionRequest, events chan<- agent.Event) error {
	chatReq, err := p.buildRequest(req, false)
	if err != nil {
		return err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("response contained no choices")
	}

	msg := resp.Choices[0].Message

	var calls []rawToolCall
	content := msg.Content

	if content != "" {
		if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
			// Schema-constrained output is a tool call named for the
			// schema, not prose.
			name := req.ResponseFormat.SchemaName
			if name == "" {
				name = "json_schema"
			}
			calls = append(calls, rawToolCall{index: 0, name: name, arguments: content})
		} else {
			events <- agent.ContentEvent{Delta: content}
		}
	}

	for _, tc := range msg.ToolCalls {
		calls = append(calls, rawToolCall{
			index:     len(calls),
			id:        tc.ID,
			name:      tc.Function.Name,
			arguments: tc.Function.Arguments,
		})
	}

	if len(calls) > 0 {
		assembled, tokens, err := assembleCalls(calls)
		if err != nil {
			return err
		}
		events <- agent.FunctionCallingEvent{Calls: assembled, OutputTokens: tokens}
	}

	events <- agent.DoneEvent{
		Content:      content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return nil
}

// rawToolCall is a tool call mid-assembly: arguments are still the
// concatenated string fragments.
type rawToolCall struct {
	index     int
	id        string
	name      string
	arguments string
}

// assembleCalls parses accumulated argument strings into structured
// form and estimates their output-token cost. The estimate is advisory:
// a fixed overhead plus roughly one token per four argument characters.
func assembleCalls(raw []rawToolCall) ([]agent.ToolCall, int, error) {
	assembled := make([]agent.ToolCall, len(raw))
	tokens := functionCallOverheadTokens
	for i, rc := range raw {
		args := rc.arguments
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, 0, fmt.Errorf("tool call %q (index %d): arguments are not valid JSON", rc.name, rc.index)
		}
		assembled[i] = agent.ToolCall{
			Index:     rc.index,
			ID:        rc.id,
			Name:      rc.name,
			Arguments: json.RawMessage(args),
		}
		tokens += estimateTokens(rc.arguments)
	}
	return assembled, tokens, nil
}

// estimateTokens approximates the tokenized length of s. Four
// characters per token tracks English JSON closely enough for an
// advisory figure.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// buildRequest converts a CompletionRequest into the vendor format.
func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest, stream bool) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		chatReq.Tools = tools
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		chatReq.ToolChoice = choice
		if req.ParallelToolCalls != nil {
			chatReq.ParallelToolCalls = *req.ParallelToolCalls
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		format := &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatType(rf.Type),
		}
		if rf.Type == "json_schema" {
			format.JSONSchema = &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   rf.SchemaName,
				Schema: rf.Schema,
			}
		}
		chatReq.ResponseFormat = format
	}

	return chatReq, nil
}

func convertMessages(messages []agent.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			m.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				m.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		if msg.Role == "tool" {
			m.ToolCallID = msg.ToolCallID
		}
		result = append(result, m)
	}
	return result
}

func convertTools(tools []agent.ToolDef) ([]openai.Tool, error) {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %q: input schema: %w", tool.Name, err)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result, nil
}
