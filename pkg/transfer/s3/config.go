// Package s3 implements the transfer backend for AWS S3 and S3-compatible storage.
package s3

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// Config configures the S3 backend.
//
// The bucket is taken from each URI (s3://bucket/key), so one backend serves
// every bucket the credentials can reach.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// Region handling:
//   - An explicit Region always wins.
//   - Otherwise env/profile resolution applies, then the instance metadata
//     service when IMDSRegion is set.
//   - For AWS S3 the final fallback is us-east-1. When Endpoint is set no
//     default region is applied.
type Config struct {
	// Region is the AWS region.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Examples:
	//   - MinIO: http://localhost:9000
	//   - Wasabi: https://s3.wasabisys.com
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool

	// IMDSRegion asks the EC2 instance metadata service for the region when
	// none is configured.
	IMDSRegion bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// imdsTimeout bounds the metadata lookup; off EC2 the endpoint never answers.
const imdsTimeout = 2 * time.Second

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}

// regionLookup returns the region of the current instance.
type regionLookup func(ctx context.Context) (string, error)

func imdsRegion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", err
	}
	return out.Region, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config, lookup regionLookup) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	region := awsCfg.Region
	if region == "" && cfg.IMDSRegion && cfg.Endpoint == "" && lookup != nil {
		if r, err := lookup(ctx); err == nil {
			region = r
		}
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, region)
	return awsCfg, nil
}

// resolveRegion applies the fallback default after SDK and IMDS resolution:
// AWS S3 (no custom endpoint) falls back to us-east-1, S3-compatible stores
// get no default.
func resolveRegion(endpoint, resolved string) string {
	if resolved != "" {
		return resolved
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
