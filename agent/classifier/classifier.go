// Package classifier adapts an OpenAI-compatible chat completions endpoint
// into the engine's intent classification boundary.
package classifier

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	contractx "github.com/dmartinelli/storebot/agent/contract"
	statex "github.com/dmartinelli/storebot/agent/state"
)

//go:embed template/intent.txt
var intentPromptRaw string

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.openai.com/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int64         `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"16"`
	Temperature        float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: classifier api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: classifier model is required", contractx.ErrValidation)
	}
	return nil
}

// Classifier calls the model once per turn and maps its answer onto the
// closed intent label set.
type Classifier struct {
	client *openaisdk.Client
	cfg    Config
	prompt string
}

var _ contractx.Classifier = (*Classifier)(nil)

func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openaisdk.NewClient(opts...)
	return &Classifier{
		client: &client,
		cfg:    cfg,
		prompt: strings.TrimSpace(intentPromptRaw),
	}, nil
}

func (c *Classifier) Classify(ctx context.Context, history []string, text string) (contractx.IntentResult, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:               c.cfg.Model,
		Temperature:         openaisdk.Float(c.cfg.Temperature),
		MaxCompletionTokens: openaisdk.Int(c.cfg.MaxCompletionToken),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(c.prompt),
			openaisdk.UserMessage(buildInput(history, text)),
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return contractx.IntentResult{}, fmt.Errorf("%w: classifier invoke: %v", contractx.ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return contractx.IntentResult{}, fmt.Errorf("%w: classifier returned no choices", contractx.ErrUnavailable)
	}

	return ParseLabel(resp.Choices[0].Message.Content), nil
}

// buildInput renders the bounded recent history (newest last) and the new
// user message into one classification request.
func buildInput(history []string, text string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation, oldest first:\n")
		for _, line := range history {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("New message: ")
	b.WriteString(text)
	return b.String()
}

// ParseLabel maps raw model output onto the closed label set. Anything the
// model answers outside the set is treated as undetected.
func ParseLabel(raw string) contractx.IntentResult {
	label := strings.ToLower(strings.TrimSpace(raw))
	if fields := strings.Fields(label); len(fields) > 0 {
		label = strings.Trim(fields[0], `"'.,`)
	}

	switch statex.IntentLabel(label) {
	case statex.IntentProductInquiry, statex.IntentGeneralQuestion, statex.IntentHumanRequest, statex.IntentOther:
		return contractx.IntentResult{Label: statex.IntentLabel(label), Detected: true}
	default:
		return contractx.IntentResult{Label: statex.IntentUndetected, Detected: false}
	}
}
