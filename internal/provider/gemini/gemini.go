// Package gemini is a judgment provider backed by the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"chronobot/internal/executor"
	logx "chronobot/pkg/logx"
)

const DefaultModel = "gemini-2.5-flash"

const defaultInstruction = `You are the judgment step of a scheduler that runs reminders and checks for a person.
For the scheduled command below, decide what to say now and whether the command is done.
Reply with one JSON object:
  message              what to tell the person now (may be empty)
  completed            true when the condition in the command is satisfied
  acknowledged         true when the person has confirmed they got the reminder
  retry_delay_seconds  how long to wait before checking again
  effect_plan          optional list of physical actions
  completion_reason    short explanation of the verdict`

type Config struct {
	APIKey      string
	Model       string
	Temperature float32
	// InstructionFile optionally replaces the built-in system instruction.
	InstructionFile string
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

type Provider struct {
	model       string
	temperature float32
	instruction string
	generate    generateFunc
	log         logx.Logger
}

// New creates a Gemini client. The API key may also come from GEMINI_API_KEY.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if key == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newProvider(cfg, client.Models.GenerateContent, log)
}

func newProvider(cfg Config, gen generateFunc, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	instruction := defaultInstruction
	if path := strings.TrimSpace(cfg.InstructionFile); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read instruction file: %w", err)
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			instruction = s
		}
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.7
	}
	return &Provider{
		model:       model,
		temperature: temp,
		instruction: instruction,
		generate:    gen,
		log:         log.With(logx.String("comp", "gemini"), logx.String("model", model)),
	}, nil
}

func (p *Provider) Model() string { return p.model }

// Judge implements executor.JudgmentProvider.
func (p *Provider) Judge(ctx context.Context, req executor.Request) ([]byte, error) {
	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.generate(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(p.instruction, genai.RoleUser),
			Temperature:       genai.Ptr(p.temperature),
			ResponseMIMEType:  "application/json",
			ResponseSchema:    responseSchema,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil {
		return nil, errors.New("gemini generate: empty response")
	}
	text := strings.TrimSpace(resp.Text())
	p.log.Trace("gemini response", logx.Int64("action_id", req.ActionID), logx.Int("bytes", len(text)))
	// An empty body is not a transport failure; the adapter normalizes it
	// into a negative verdict.
	return []byte(text), nil
}

func renderPrompt(req executor.Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SCHEDULED COMMAND: %q\n", req.Command)
	fmt.Fprintf(&b, "COMPLETION MODE: %s\n", req.Mode)
	fmt.Fprintf(&b, "ATTEMPT NUMBER: %d\n", req.AttemptCount+1)
	if len(req.Context) > 0 {
		ctxJSON, err := json.Marshal(req.Context)
		if err != nil {
			return "", fmt.Errorf("encode context: %w", err)
		}
		fmt.Fprintf(&b, "CONTEXT: %s\n", ctxJSON)
	}
	if len(req.SensedState) > 0 {
		state, err := json.Marshal(req.SensedState)
		if err != nil {
			return "", fmt.Errorf("encode sensed state: %w", err)
		}
		fmt.Fprintf(&b, "CURRENT STATE: %s\n", state)
	}
	b.WriteString("\nExecute this scheduled command now.")
	return b.String(), nil
}

var responseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"message":             {Type: genai.TypeString},
		"completed":           {Type: genai.TypeBoolean},
		"acknowledged":        {Type: genai.TypeBoolean},
		"retry_delay_seconds": {Type: genai.TypeInteger},
		"effect_plan":         {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"completion_reason":   {Type: genai.TypeString},
	},
	Required: []string{"message", "completed"},
}
