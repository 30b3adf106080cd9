package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/datapulse/datapulse/pkg/engine"
)

const systemPrompt = "You are an expert public-program data analyst. " +
	"Always respond with a single valid JSON object and nothing else."

// OpenAIConfig configures the LLM-backed narrator.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string `json:"api_key" yaml:"api_key"`

	// BaseURL overrides the API endpoint, e.g. for a compatible proxy.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Model is the chat model to use. Defaults to gpt-4o-mini.
	Model string `json:"model" yaml:"model"`

	// Temperature controls sampling. Defaults to 0.7.
	Temperature float32 `json:"temperature" yaml:"temperature"`

	// MaxTokens bounds the completion length. Defaults to 4000.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// Epsilon is the differential-privacy budget for score perturbation.
	// Non-positive disables the noise pass.
	Epsilon float64 `json:"epsilon" yaml:"epsilon"`
}

// OpenAINarrator generates reports through the OpenAI chat completion API.
type OpenAINarrator struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAINarrator creates the LLM narrator. Fails when no API key is
// configured; callers wanting a best-effort narrator should wrap it with
// WithFallback around a RuleBasedNarrator.
func NewOpenAINarrator(cfg OpenAIConfig) (*OpenAINarrator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai narrator requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4000
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAINarrator{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
	}, nil
}

func (n *OpenAINarrator) Name() string { return "openai" }

// Narrate builds the analysis prompt from the abstract's top findings, calls
// the chat API in JSON mode, and parses the structured report.
func (n *OpenAINarrator) Narrate(ctx context.Context, abstract *engine.StatisticalAbstract, nctx Context) (*Report, error) {
	prompt := buildPrompt(abstract, nctx)

	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       n.config.Model,
		Temperature: n.config.Temperature,
		MaxTokens:   n.config.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	report, err := parseReport(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	applyPrivacyNoise(report, n.config.Epsilon)
	report.Narrator = n.Name()
	return report, nil
}

// buildPrompt assembles the analysis request: role framing, the statistical
// summary, caller context, and the strict response schema.
func buildPrompt(abstract *engine.StatisticalAbstract, nctx Context) string {
	var b strings.Builder

	b.WriteString("You are a senior data scientist analyzing public-program ")
	b.WriteString("enrollment and service-delivery data aggregated by region and time.\n\n")

	b.WriteString("## Statistical Analysis Results\n")
	b.WriteString(summarizeAbstract(abstract))
	b.WriteString("\n")

	if nctx.Source != "" {
		fmt.Fprintf(&b, "\nDataset: %s\n", nctx.Source)
	}
	if nctx.TimeRange != "" {
		fmt.Fprintf(&b, "Time range: %s\n", nctx.TimeRange)
	}
	if len(nctx.Additional) > 0 {
		if extra, err := json.MarshalIndent(nctx.Additional, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nAdditional context:\n%s\n", extra)
		}
	}

	b.WriteString(`
## Your Task
Provide:
1. An executive summary (2-3 sentences) leading with the most critical finding.
2. Root cause analysis (3-5 likely causes) covering demographic, infrastructure,
   seasonal, policy and regional factors.
3. Contextual factors (2-4) with a type and a relevance score in [0,1].
4. Strategic recommendations (3-5) each with priority 1-5, rationale, expected
   impact, implementation complexity (low|medium|high), affected regions and a
   timeline.
5. A risk assessment covering service delivery, compliance and reputation.
6. A confidence score in [0,1] based on data quality and pattern clarity.

## Response Format (strict JSON)
{
  "executive_summary": "...",
  "root_cause_analysis": ["...", "..."],
  "contextual_factors": [
    {"factor_type": "policy|weather|infrastructure|demographic|other", "description": "...", "relevance_score": 0.0}
  ],
  "strategic_recommendations": [
    {"priority": 1, "recommendation": "...", "rationale": "...", "expected_impact": "...", "implementation_complexity": "low", "affected_regions": [], "timeline": "..."}
  ],
  "risk_assessment": "...",
  "confidence_score": 0.85
}

Respond ONLY with valid JSON. No markdown, no prose outside the object.`)

	return b.String()
}
