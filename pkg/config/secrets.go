package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretSource resolves named secrets at startup (token-signing key,
// provisioning API key).
type SecretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretsManagerSource resolves secrets from AWS Secrets Manager.
type SecretsManagerSource struct {
	client *secretsmanager.Client
}

// NewSecretsManagerSource builds a source bound to the given region.
func NewSecretsManagerSource(ctx context.Context, region string) (*SecretsManagerSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SecretsManagerSource{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func (s *SecretsManagerSource) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", name, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	return string(out.SecretBinary), nil
}

// EnvSecretSource resolves secrets from environment variables for local
// development: the secret name is upper-snaked, e.g.
// "modelmeter/jwt-signing-key" -> MODELMETER_JWT_SIGNING_KEY.
type EnvSecretSource struct{}

func (EnvSecretSource) GetSecret(_ context.Context, name string) (string, error) {
	key := strings.NewReplacer("/", "_", "-", "_").Replace(strings.ToUpper(name))
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %q not set (env %s)", name, key)
}
