// Package s3 publishes artifacts to AWS S3 and S3-compatible storage.
package s3

import "strings"

// Config configures the S3 artifact store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set:
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials/config files with Profile
//  4. EC2 instance metadata / ECS task role / EKS IRSA
//
// For S3-compatible stores (MinIO, Wasabi, R2), set Endpoint and usually
// ForcePathStyle.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Prefix is prepended to every key (e.g., "clipforge/prod").
	Prefix string

	// Region is the AWS region. For AWS S3 it defaults to us-east-1 when not
	// resolved from the environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	Profile         string
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// PublicBaseURL is the URL prefix clients fetch published objects from
	// (usually a CDN in front of the bucket). When empty the URL is derived
	// from Endpoint or the regional S3 host.
	PublicBaseURL string
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	if strings.Contains(c.Prefix, "..") {
		return &ConfigError{Field: "Prefix", Message: "must not contain '..'"}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
