package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smithy "github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// Secrets Manager error codes that indicate a stale or rejected identity
// rather than a missing secret.
var authErrorCodes = map[string]bool{
	"AccessDeniedException":               true,
	"UnrecognizedClientException":         true,
	"ExpiredTokenException":               true,
	"InvalidSignatureException":           true,
	"IncompleteSignatureException":        true,
	"MissingAuthenticationTokenException": true,
}

// ManagerFetcher fetches secret values from AWS Secrets Manager. It satisfies
// the Fetcher interface; Reauthenticate reloads the SDK credential chain and
// rebuilds the client.
type ManagerFetcher struct {
	region string
	log    zerolog.Logger

	mu     sync.RWMutex
	client *secretsmanager.Client
}

func NewManagerFetcher(ctx context.Context, region string, log zerolog.Logger) (*ManagerFetcher, error) {
	f := &ManagerFetcher{region: region, log: log}
	if err := f.Reauthenticate(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ManagerFetcher) Fetch(ctx context.Context, name string) (string, error) {
	f.mu.RLock()
	client := f.client
	f.mu.RUnlock()

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		if isAuthFailure(err) {
			return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return "", err
	}

	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	// Binary secrets arrive already base64-decoded from the SDK.
	return string(out.SecretBinary), nil
}

// Reauthenticate reloads the default credential chain and swaps the client.
func (f *ManagerFetcher) Reauthenticate(ctx context.Context) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	f.mu.Lock()
	f.client = secretsmanager.NewFromConfig(cfg)
	f.mu.Unlock()

	f.log.Info().Str("region", f.region).Msg("secrets manager client (re)initialized")
	return nil
}

// isAuthFailure reports whether err is a 401/403-class response or a known
// identity-rejection error code.
func isAuthFailure(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 401 || code == 403 {
			return true
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return authErrorCodes[apiErr.ErrorCode()]
	}
	return false
}

var _ Fetcher = (*ManagerFetcher)(nil)
