package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Store keeps evidence images in an S3-compatible bucket. Presigned GET
// URLs give clients direct, expiring access to images without an extra
// authenticated hop through this service.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	endpoint      string
	bucket        string
	folder        string
	log           zerolog.Logger
}

func NewS3Store(ctx context.Context, host, region, bucket, folder string, log zerolog.Logger) (*S3Store, error) {
	endpoint := fmt.Sprintf("https://%s", host)

	// Custom resolver so the SDK talks to S3-compatible stores instead of AWS
	// proper. The non-deprecated BaseEndpoint option breaks presigning against
	// some providers, so this keeps the resolver approach.
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if service == s3.ServiceID {
			return aws.Endpoint{
				URL:           endpoint,
				SigningRegion: region,
				Source:        aws.EndpointSourceCustom,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithEndpointResolverWithOptions(resolver))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		endpoint:      endpoint,
		bucket:        bucket,
		folder:        folder,
		log:           log,
	}, nil
}

func (s *S3Store) objectKey(relativePath string) string {
	return fmt.Sprintf("%s/%s", s.folder, relativePath)
}

func (s *S3Store) Save(ctx context.Context, data []byte, name, platePrefix string) (string, string, error) {
	relativePath := objectFileName(platePrefix, name, time.Now())
	key := s.objectKey(relativePath)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/jpeg"),
		Metadata: map[string]string{
			"upload-time": time.Now().UTC().Format(time.RFC3339),
			"source":      "anpr-webhook",
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("put object %s: %w", key, err)
	}

	publicURL := fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	s.log.Info().Str("key", key).Int("bytes", len(data)).Msg("evidence image uploaded")
	return relativePath, publicURL, nil
}

func (s *S3Store) URL(ctx context.Context, relativePath string, expiresIn time.Duration) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(relativePath)),
	}, func(po *s3.PresignOptions) {
		po.Expires = expiresIn
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", relativePath, err)
	}
	return req.URL, nil
}

func (s *S3Store) Delete(ctx context.Context, relativePath string) (bool, error) {
	key := s.objectKey(relativePath)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("delete object %s: %w", key, err)
	}
	s.log.Info().Str("key", key).Msg("evidence image deleted")
	return true, nil
}

func (s *S3Store) HealthCheck(ctx context.Context) Health {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return Health{Type: "s3", Status: "unhealthy", Bucket: s.bucket, Detail: err.Error()}
	}
	return Health{Type: "s3", Status: "healthy", Bucket: s.bucket}
}

var _ Store = (*S3Store)(nil)
