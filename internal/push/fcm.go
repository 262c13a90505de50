package push

import (
	"context"
	"errors"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FCMConfig contains Firebase Cloud Messaging settings.
type FCMConfig struct {
	ProjectID       string
	CredentialsPath string
	CredentialsJSON string
}

type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMProvider sends through Firebase Cloud Messaging.
type FCMProvider struct {
	client fcmClient
	logger *zap.Logger
}

// NewFCMProvider initializes the Firebase app and its messaging client.
func NewFCMProvider(ctx context.Context, cfg FCMConfig, logger *zap.Logger) (*FCMProvider, error) {
	opts, err := firebaseOptions(cfg)
	if err != nil {
		return nil, err
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}

	logger.Info("FCM provider initialized", zap.String("project_id", cfg.ProjectID))
	return &FCMProvider{client: client, logger: logger}, nil
}

func firebaseOptions(cfg FCMConfig) ([]option.ClientOption, error) {
	switch {
	case cfg.CredentialsPath != "":
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsPath)}, nil
	case cfg.CredentialsJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.CredentialsJSON))}, nil
	case os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "":
		return nil, nil
	default:
		return nil, errors.New("firebase credentials not provided")
	}
}

func (p *FCMProvider) Name() string { return "fcm" }

// Send delivers msg. Unregistered or malformed tokens are reported as
// permanent failures.
func (p *FCMProvider) Send(ctx context.Context, msg *Message) (string, error) {
	id, err := p.client.Send(ctx, buildFCMMessage(msg))
	if err != nil {
		if messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err) {
			return "", Permanent(p.Name(), err)
		}
		return "", Transient(p.Name(), err)
	}
	return id, nil
}

func buildFCMMessage(msg *Message) *messaging.Message {
	m := &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Data:    msg.Data,
		Android: &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		},
	}
	return m
}
