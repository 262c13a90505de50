package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider publishes to SNS mobile platform endpoints. The device token
// stored for each user is the endpoint ARN.
type SNSProvider struct {
	client snsAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region   string
	Endpoint string // optional, for LocalStack
}

// NewSNSProvider creates a provider backed by AWS SNS.
func NewSNSProvider(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SNSProvider{client: client, logger: logger}, nil
}

func (p *SNSProvider) Name() string { return "sns" }

// Send publishes msg to its endpoint ARN. A disabled endpoint or an
// unknown ARN is a permanent failure.
func (p *SNSProvider) Send(ctx context.Context, msg *Message) (string, error) {
	payload, err := snsPayload(msg)
	if err != nil {
		return "", Transient(p.Name(), err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(msg.Token),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		var notFound *types.NotFoundException
		var invalid *types.InvalidParameterException
		if errors.As(err, &disabled) || errors.As(err, &notFound) || errors.As(err, &invalid) {
			return "", Permanent(p.Name(), err)
		}
		return "", Transient(p.Name(), fmt.Errorf("sns publish failed: %w", err))
	}

	return aws.ToString(result.MessageId), nil
}

// snsPayload renders the per-platform JSON envelope SNS expects when
// MessageStructure is "json".
func snsPayload(msg *Message) (string, error) {
	gcm := map[string]any{
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
			"image": msg.ImageURL,
		},
		"data": msg.Data,
	}
	apns := map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": msg.Title, "body": msg.Body},
		},
	}
	for k, v := range msg.Data {
		if k != "aps" {
			apns[k] = v
		}
	}

	gcmJSON, err := json.Marshal(gcm)
	if err != nil {
		return "", fmt.Errorf("marshal GCM payload: %w", err)
	}
	apnsJSON, err := json.Marshal(apns)
	if err != nil {
		return "", fmt.Errorf("marshal APNS payload: %w", err)
	}

	envelope, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(gcmJSON),
		"APNS":         string(apnsJSON),
		"APNS_SANDBOX": string(apnsJSON),
	})
	if err != nil {
		return "", fmt.Errorf("marshal SNS envelope: %w", err)
	}
	return string(envelope), nil
}
