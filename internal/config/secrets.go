package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// masterKeyField is read when the secret holds a JSON object
const masterKeyField = "master_key"

// secretFetcher is the part of the Secrets Manager client Load uses
type secretFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// newSecretFetcher is replaced in tests
var newSecretFetcher = func(ctx context.Context, region string) (secretFetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// fetchMasterKey reads the master key from secretID. The secret is either
// the base64 key itself or a JSON object with a master_key field.
func fetchMasterKey(ctx context.Context, client secretFetcher, secretID string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no payload", secretID)
	}
	payload = strings.TrimSpace(payload)

	if !strings.HasPrefix(payload, "{") {
		return payload, nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return "", fmt.Errorf("failed to parse secret %s: %w", secretID, err)
	}
	key := fields[masterKeyField]
	if key == "" {
		return "", errors.New("secret " + secretID + " has no " + masterKeyField + " field")
	}
	return key, nil
}
