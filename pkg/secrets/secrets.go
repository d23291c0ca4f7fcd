package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Source yields secret material by identifier. The gateway credential
// is fetched through one of these once per run and never persisted.
type Source interface {
	Fetch(ctx context.Context, id string) (string, error)
}

type Manager struct {
	client *secretsmanager.Client
}

func NewManager(ctx context.Context) (*Manager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Manager{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func (m *Manager) Fetch(ctx context.Context, id string) (string, error) {
	out, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}
	return *out.SecretString, nil
}

// Static satisfies Source with a fixed value, for local development
// where the key arrives through the environment instead of a store.
type Static string

func (s Static) Fetch(context.Context, string) (string, error) { return string(s), nil }
