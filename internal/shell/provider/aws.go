package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	smithy "github.com/aws/smithy-go"

	"github.com/artpar/deployer/internal/core/deployment"
)

// ECRAPI is the subset of the ECR client used here.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// AWSOptions configures the AWS clients. Empty keys fall back to the default credential chain.
type AWSOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// AWSProvider issues ECR credentials and resolves EC2 targets.
type AWSProvider struct {
	region string
	ecr    ECRAPI
	ec2    EC2API
	ssm    *ssm.Client
	logger *slog.Logger
}

// NewAWSProvider loads the AWS configuration and creates the service clients.
func NewAWSProvider(ctx context.Context, opts AWSOptions, logger *slog.Logger) (*AWSProvider, error) {
	cfg, err := loadAWSConfig(ctx, opts)
	if err != nil {
		return nil, err
	}

	p := NewAWSProviderWithClients(opts.Region, ecr.NewFromConfig(cfg), ec2.NewFromConfig(cfg), logger)
	p.ssm = ssm.NewFromConfig(cfg)
	return p, nil
}

// NewAWSProviderWithClients creates a provider around existing clients.
func NewAWSProviderWithClients(region string, ecrClient ECRAPI, ec2Client EC2API, logger *slog.Logger) *AWSProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSProvider{
		region: region,
		ecr:    ecrClient,
		ec2:    ec2Client,
		logger: logger.With("provider", "aws", "region", region),
	}
}

func loadAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

// SSM returns the Systems Manager client, or nil when built from explicit clients.
func (p *AWSProvider) SSM() *ssm.Client {
	return p.ssm
}

// Region returns the configured region.
func (p *AWSProvider) Region() string {
	return p.region
}

// =============================================================================
// Registry Credentials
// =============================================================================

// RegistryCredentials exchanges the caller's identity for an ECR login.
// The token decodes to "AWS:<password>".
func (p *AWSProvider) RegistryCredentials(ctx context.Context) (deployment.RegistryCredentials, error) {
	out, err := p.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return deployment.RegistryCredentials{}, fmt.Errorf("get ECR authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return deployment.RegistryCredentials{}, ErrNoAuthorizationData
	}

	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return deployment.RegistryCredentials{}, fmt.Errorf("decode ECR authorization token: %w", err)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok || password == "" {
		return deployment.RegistryCredentials{}, errors.New("malformed ECR authorization token")
	}

	creds := deployment.RegistryCredentials{
		Username:      user,
		Password:      password,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	}
	if data.ExpiresAt != nil {
		creds.ExpiresAt = *data.ExpiresAt
	}

	p.logger.Debug("obtained registry credentials", "endpoint", creds.ServerAddress, "expires_at", creds.ExpiresAt)
	return creds, nil
}

// =============================================================================
// Target Lookup
// =============================================================================

// DescribeTarget returns the EC2 instance with the given id.
func (p *AWSProvider) DescribeTarget(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID.") {
			return nil, fmt.Errorf("%w: %s (%s)", ErrInstanceNotFound, instanceID, apiErr.ErrorCode())
		}
		return nil, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			i := &Instance{
				ID:        instanceID,
				Platform:  aws.ToString(inst.PlatformDetails),
				PrivateIP: aws.ToString(inst.PrivateIpAddress),
				PublicIP:  aws.ToString(inst.PublicIpAddress),
			}
			if inst.State != nil {
				i.State = string(inst.State.Name)
			}
			return i, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
}
