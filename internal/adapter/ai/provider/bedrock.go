package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// ConverseAPI is the slice of the Bedrock runtime client this provider uses.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock calls the AWS Bedrock Converse API.
type Bedrock struct {
	client  ConverseAPI
	modelID string
}

// NewBedrock wraps an existing Converse client.
func NewBedrock(client ConverseAPI, modelID string) *Bedrock {
	return &Bedrock{client: client, modelID: modelID}
}

// NewBedrockFromRegion loads AWS credentials from the default chain.
func NewBedrockFromRegion(ctx context.Context, region, modelID string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("op=provider.NewBedrock: %w", err)
	}
	return NewBedrock(bedrockruntime.NewFromConfig(cfg), modelID), nil
}

// Name implements domain.Provider.
func (p *Bedrock) Name() string { return NameBedrock }

func (p *Bedrock) buildInput(req domain.GenerateRequest) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.modelID),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Params.Temperature)),
		},
	}
	if req.SystemInstruction != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemInstruction}}
	}
	if req.Params.TopP > 0 {
		in.InferenceConfig.TopP = aws.Float32(float32(req.Params.TopP))
	}
	if req.Params.MaxOutputTokens > 0 {
		in.InferenceConfig.MaxTokens = aws.Int32(int32(req.Params.MaxOutputTokens))
	}
	// Converse has no top-k field; Anthropic models take it as an extra.
	if req.Params.TopK > 0 && strings.Contains(p.modelID, "anthropic.") {
		in.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{"top_k": req.Params.TopK})
	}
	return in
}

// Generate implements domain.Provider.
func (p *Bedrock) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	out, err := p.client.Converse(ctx, p.buildInput(req))
	if err != nil {
		return "", classifyBedrockError(ctx, err)
	}
	switch out.StopReason {
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return "", fmt.Errorf("%w: stop_reason=%s", domain.ErrContentBlocked, out.StopReason)
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("%w: unexpected output %T", domain.ErrEmptyResponse, out.Output)
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", domain.ErrEmptyResponse
	}
	return b.String(), nil
}

func classifyBedrockError(ctx context.Context, err error) error {
	var (
		throttled   *types.ThrottlingException
		denied      *types.AccessDeniedException
		modelTO     *types.ModelTimeoutException
		unavailable *types.ServiceUnavailableException
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
	case errors.As(err, &throttled):
		return fmt.Errorf("%w: %w", domain.ErrUpstreamRateLimit, err)
	case errors.As(err, &denied):
		return fmt.Errorf("%w: %w", domain.ErrProviderAuth, err)
	case errors.As(err, &modelTO):
		return fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
	case errors.As(err, &unavailable):
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
}
