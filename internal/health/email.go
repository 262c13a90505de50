package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailSink mails a plain-text copy of an alert through SES.
type EmailSink struct {
	client sesAPI
	from   string
	to     []string
	logger *zap.Logger
}

type EmailConfig struct {
	Region string
	From   string
	To     []string
}

func NewEmailSink(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailSink, error) {
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("email sink requires from and to addresses")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &EmailSink{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.From,
		to:     cfg.To,
		logger: logger,
	}, nil
}

func (s *EmailSink) Alert(ctx context.Context, a Alert) error {
	subject := fmt.Sprintf("[herald][%s] %s", a.Severity, a.Title)

	var b strings.Builder
	b.WriteString(a.Description)
	b.WriteString("\n\n")
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}

	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: s.to},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(b.String()), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("alert emailed via SES",
		zap.String("rule", a.Rule),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
