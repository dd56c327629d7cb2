package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nadmax/auditq/internal/task"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

const DefaultContentPrompt = `You are an SEO copywriter. Write an article about "{{TOPIC}}" in {{LANGUAGE}} with a {{TONE}} tone.
Work these keywords in naturally: {{KEYWORDS}}.
Reply with a single JSON object and nothing else, using this shape:
{"title": "...", "meta_description": "...", "outline": ["..."], "content": "..."}`

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareJSON   = regexp.MustCompile(`(?s)\{.*\}`)
)

// ChatCompleter is the subset of *openai.Client used for generation.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type ContentPayload struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords"`
	Language string   `json:"language"`
	Tone     string   `json:"tone"`
}

type GeneratedContent struct {
	Title           string   `json:"title"`
	MetaDescription string   `json:"meta_description"`
	Outline         []string `json:"outline"`
	Content         string   `json:"content"`
}

type ContentGenerator struct {
	client         ChatCompleter
	model          string
	promptTemplate string
	maxTokens      int
}

func NewContentGenerator(client ChatCompleter, model, prompt string, maxTokens int) *ContentGenerator {
	if model == "" {
		model = openai.GPT4oMini
	}
	if prompt == "" {
		prompt = DefaultContentPrompt
	}
	return &ContentGenerator{
		client:         client,
		model:          model,
		promptTemplate: prompt,
		maxTokens:      maxTokens,
	}
}

func (g *ContentGenerator) Handle(ctx context.Context, t *task.Task) (map[string]any, error) {
	if g.client == nil {
		return nil, errors.New("content generator is not initialized with an OpenAI client")
	}

	payload, err := parseContentPayload(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: g.renderPrompt(payload),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices returned from OpenAI")
	}

	generated, err := parseGeneratedContent(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	readability, err := measureReadability(generated.Content)
	if err != nil {
		log.WithError(err).WithField("task_id", t.ID).Warn("Skipping readability stats")
	}

	log.WithFields(log.Fields{
		"task_id":           t.ID,
		"model":             g.model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Info("Content generated")

	return map[string]any{
		"topic":            payload.Topic,
		"language":         payload.Language,
		"title":            generated.Title,
		"meta_description": generated.MetaDescription,
		"outline":          generated.Outline,
		"content":          generated.Content,
		"model":            g.model,
		"tokens":           resp.Usage.TotalTokens,
		"readability":      readability,
	}, nil
}

func (g *ContentGenerator) renderPrompt(p *ContentPayload) string {
	prompt := g.promptTemplate
	prompt = strings.ReplaceAll(prompt, "{{TOPIC}}", p.Topic)
	prompt = strings.ReplaceAll(prompt, "{{KEYWORDS}}", strings.Join(p.Keywords, ", "))
	prompt = strings.ReplaceAll(prompt, "{{LANGUAGE}}", p.Language)
	prompt = strings.ReplaceAll(prompt, "{{TONE}}", p.Tone)
	return prompt
}

// parseContentPayload accepts keywords either as a list or a comma separated string.
func parseContentPayload(raw map[string]any) (*ContentPayload, error) {
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		normalized[k] = v
	}
	if s, ok := raw["keywords"].(string); ok {
		var kws []string
		for _, kw := range strings.Split(s, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				kws = append(kws, kw)
			}
		}
		normalized["keywords"] = kws
	}

	var p ContentPayload
	if err := decodePayload(normalized, &p); err != nil {
		return nil, err
	}

	p.Topic = strings.TrimSpace(p.Topic)
	if p.Topic == "" {
		return nil, errors.New("missing required field: topic")
	}
	if p.Language == "" {
		p.Language = "en"
	}
	if p.Tone == "" {
		p.Tone = "professional"
	}
	return &p, nil
}

func parseGeneratedContent(reply string) (*GeneratedContent, error) {
	reply = strings.TrimSpace(reply)

	block := reply
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		block = m[1]
	} else if m := bareJSON.FindString(reply); m != "" {
		block = m
	}

	var out GeneratedContent
	if err := json.Unmarshal([]byte(block), &out); err != nil {
		return nil, fmt.Errorf("failed to parse LLM response as JSON: %w", err)
	}
	if out.Content == "" && out.Title == "" {
		return nil, errors.New("LLM response has neither title nor content")
	}
	return &out, nil
}
