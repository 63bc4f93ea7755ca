// Package analyzer turns table profiles into model-generated summaries.
// It is the only consumer of the full per-session ConfigRecord: the raw
// credential is used to authenticate the chat request and nothing else;
// every log line and error carries the redacted view.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/hesabu/internal/config"
	"github.com/jkaninda/hesabu/internal/llm"
	"github.com/jkaninda/hesabu/internal/tabular"
	"github.com/jkaninda/hesabu/internal/workspace"
)

const systemPrompt = `You are a data analyst. You are given column profiles of one or more
uploaded tables (names, inferred types, null counts, sample values) and a
question about the data. Answer concisely, grounded only in the profiles.
If the profiles cannot answer the question, say what additional data or
computation would be needed.`

// Analyzer answers questions about uploaded tables.
type Analyzer struct {
	defaults   config.LLMConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds an Analyzer with server-wide model defaults. Per-session
// config records override them call by call.
func New(defaults config.LLMConfig, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		defaults:   defaults,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func (a *Analyzer) WithHTTPClient(hc *http.Client) *Analyzer {
	a.httpClient = hc
	return a
}

// Result is one completed analysis: the answer plus the model and token
// accounting behind it.
type Result struct {
	Answer string    `json:"answer"`
	Model  string    `json:"model"`
	Usage  llm.Usage `json:"usage"`
}

// Analyze sends the profiles and question to the session's configured
// model and returns the answer.
func (a *Analyzer) Analyze(ctx context.Context, rec workspace.ConfigRecord, profiles []tabular.Profile, question string) (*Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("empty question")
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no table profiles to analyze")
	}

	model := rec.ModelChoice
	if model == "" {
		model = a.defaults.Model
	}
	apiKey := rec.Credential
	if apiKey == "" {
		apiKey = a.defaults.APIKey
	}
	maxTokens := rec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.defaults.MaxTokens
	}

	opts := []llm.Option{llm.WithHTTPClient(a.httpClient)}
	if baseURL := firstNonEmpty(rec.BaseURL, a.defaults.BaseURL); baseURL != "" {
		opts = append(opts, llm.WithBaseURL(baseURL))
	}
	client := llm.NewClient(apiKey, model, a.logger, opts...)

	redacted := rec.Redacted()
	a.logger.Info("analysis requested",
		slog.String("model", model),
		slog.Int("tables", len(profiles)),
		slog.String("credential", redacted.CredentialPreview),
	)

	resp, err := client.Chat(ctx, &llm.Request{
		SystemPrompt:   systemPrompt,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: BuildPrompt(profiles, question)}},
		MaxTokens:      maxTokens,
		Temperature:    rec.Temperature,
		HasTemperature: true,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis with model %s: %w", model, err)
	}
	return &Result{Answer: resp.Content, Model: model, Usage: resp.Usage}, nil
}

// BuildPrompt renders the table profiles and the question as the user
// message. Raw cell data beyond the samples never enters the prompt.
func BuildPrompt(profiles []tabular.Profile, question string) string {
	var b strings.Builder
	for _, p := range profiles {
		fmt.Fprintf(&b, "Table %s (%d rows):\n", p.Name, p.Rows)
		for _, col := range p.Columns {
			fmt.Fprintf(&b, "  - %s (%s, %d non-null)", col.Name, col.Type, col.NonNull)
			if len(col.Samples) > 0 {
				fmt.Fprintf(&b, ": e.g. %s", strings.Join(col.Samples, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", question)
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
