package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsManagerResolver resolves awssm:// references against a single
// AWS Secrets Manager secret, identified by its secret id.
type AWSSecretsManagerResolver struct {
	client *secretsmanager.Client
}

// NewAWSSecretsManagerResolver loads the default AWS config (environment,
// shared config file, or instance role) and builds a resolver against it.
func NewAWSSecretsManagerResolver(ctx context.Context) (*AWSSecretsManagerResolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &AWSSecretsManagerResolver{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Resolve fetches the secret string for the given secret id.
func (r *AWSSecretsManagerResolver) Resolve(ctx context.Context, ref string) (string, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %q: %w", ref, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", ref)
	}
	return *out.SecretString, nil
}
