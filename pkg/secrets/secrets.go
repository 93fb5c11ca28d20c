// Package secrets resolves the shared token secret at cold start.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// JSONKey is looked up when the secret string is a JSON object.
const JSONKey = "jwt_secret"

// GetSecretValueAPI is the subset of the Secrets Manager client used here.
type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolve returns inline when set, otherwise fetches the secret identified by
// arn. Replicas of an edge function run in every region while the secret
// lives in one, so the request is sent to the region named in the ARN.
func Resolve(ctx context.Context, client GetSecretValueAPI, inline, arn string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if arn == "" {
		return "", errors.New("no secret configured")
	}
	if client == nil {
		return "", errors.New("no secrets manager client")
	}

	var opts []func(*secretsmanager.Options)
	if region := RegionFromARN(arn); region != "" {
		opts = append(opts, func(o *secretsmanager.Options) { o.Region = region })
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(arn),
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %s: %w", arn, err)
	}

	value := strings.TrimSpace(aws.ToString(out.SecretString))
	if strings.HasPrefix(value, "{") {
		var fields map[string]string
		if err := json.Unmarshal([]byte(value), &fields); err != nil {
			return "", fmt.Errorf("secret %s is not a JSON string map: %w", arn, err)
		}
		value = fields[JSONKey]
	}
	if value == "" {
		return "", fmt.Errorf("secret %s is empty", arn)
	}
	return value, nil
}

// RegionFromARN returns the region field of an ARN, or "" if arn is not one.
func RegionFromARN(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 || parts[0] != "arn" {
		return ""
	}
	return parts[3]
}
