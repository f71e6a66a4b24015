package vault

import (
	"fmt"
	"strings"
)

// Provider names an S3-compatible service.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderMinIO Provider = "minio"
	ProviderR2    Provider = "r2"
)

// Default AWS S3 endpoints by region.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// IsSupportedAWSRegion checks if a region is in the endpoint table.
func IsSupportedAWSRegion(region string) bool {
	_, ok := awsEndpoints[region]
	return ok
}

// R2EndpointForAccount returns the R2 endpoint for a Cloudflare account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account id (32 hex characters).
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// normalizeEndpoint adds a scheme when missing and drops a trailing slash.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

// resolve fills in endpoint, region and addressing style for the provider.
func resolve(cfg Config) (Config, error) {
	if cfg.Bucket == "" {
		return cfg, fmt.Errorf("vault bucket is required")
	}
	switch cfg.Provider {
	case ProviderAWS, "":
		cfg.Provider = ProviderAWS
		if cfg.Region == "" {
			cfg.Region = "us-east-1"
		}
		if cfg.Endpoint == "" {
			// let the SDK resolve the regional endpoint
			if !IsSupportedAWSRegion(cfg.Region) {
				return cfg, fmt.Errorf("unknown AWS region: %s", cfg.Region)
			}
		}
	case ProviderMinIO:
		if cfg.Endpoint == "" {
			return cfg, fmt.Errorf("minio endpoint is required")
		}
		cfg.Endpoint = normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
		cfg.UsePathStyle = true
		if cfg.Region == "" {
			cfg.Region = "us-east-1"
		}
	case ProviderR2:
		if !IsValidR2AccountID(cfg.AccountID) {
			return cfg, fmt.Errorf("invalid R2 account id")
		}
		cfg.Endpoint = R2EndpointForAccount(cfg.AccountID)
		cfg.Region = "auto"
	default:
		return cfg, fmt.Errorf("unknown vault provider: %s", cfg.Provider)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return cfg, nil
}
