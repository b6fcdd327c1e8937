package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeECR struct {
	out *ecr.GetAuthorizationTokenOutput
	err error
}

func (f *fakeECR) GetAuthorizationToken(context.Context, *ecr.GetAuthorizationTokenInput, ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return f.out, f.err
}

type fakeEC2 struct {
	out   *ec2.DescribeInstancesOutput
	err   error
	input *ec2.DescribeInstancesInput
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.input = in
	return f.out, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenOutput(token string, expires time.Time) *ecr.GetAuthorizationTokenOutput {
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []ecrtypes.AuthorizationData{{
			AuthorizationToken: aws.String(token),
			ProxyEndpoint:      aws.String("https://123456789012.dkr.ecr.us-east-1.amazonaws.com"),
			ExpiresAt:          aws.Time(expires),
		}},
	}
}

func TestRegistryCredentials(t *testing.T) {
	expires := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ecr     *fakeECR
		wantErr error
		check   func(t *testing.T, user, password, server string)
	}{
		{
			name: "decodes token",
			ecr:  &fakeECR{out: tokenOutput(base64.StdEncoding.EncodeToString([]byte("AWS:s3cr3t")), expires)},
			check: func(t *testing.T, user, password, server string) {
				assert.Equal(t, "AWS", user)
				assert.Equal(t, "s3cr3t", password)
				assert.Equal(t, "https://123456789012.dkr.ecr.us-east-1.amazonaws.com", server)
			},
		},
		{
			name:    "no authorization data",
			ecr:     &fakeECR{out: &ecr.GetAuthorizationTokenOutput{}},
			wantErr: ErrNoAuthorizationData,
		},
		{
			name: "api failure",
			ecr:  &fakeECR{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}},
		},
		{
			name: "malformed token",
			ecr:  &fakeECR{out: tokenOutput(base64.StdEncoding.EncodeToString([]byte("nocolon")), expires)},
		},
		{
			name: "not base64",
			ecr:  &fakeECR{out: tokenOutput("%%%", expires)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewAWSProviderWithClients("us-east-1", tt.ecr, &fakeEC2{}, quietLogger())
			creds, err := p.RegistryCredentials(context.Background())
			if tt.check == nil {
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, expires, creds.ExpiresAt)
			tt.check(t, creds.Username, creds.Password, creds.ServerAddress)
		})
	}
}

func TestRegistryCredentials_APIErrorIsWrapped(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}
	p := NewAWSProviderWithClients("us-east-1", &fakeECR{err: apiErr}, &fakeEC2{}, quietLogger())

	_, err := p.RegistryCredentials(context.Background())
	var got smithy.APIError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "AccessDeniedException", got.ErrorCode())
}

func TestDescribeTarget(t *testing.T) {
	running := &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId:       aws.String("i-0123456789"),
				State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				PrivateIpAddress: aws.String("10.0.0.5"),
				PlatformDetails:  aws.String("Linux/UNIX"),
			}},
		}},
	}

	t.Run("running instance", func(t *testing.T) {
		fake := &fakeEC2{out: running}
		p := NewAWSProviderWithClients("us-east-1", &fakeECR{}, fake, quietLogger())

		inst, err := p.DescribeTarget(context.Background(), "i-0123456789")
		require.NoError(t, err)
		assert.True(t, inst.Running())
		assert.Equal(t, "10.0.0.5", inst.PrivateIP)
		assert.Equal(t, "Linux/UNIX", inst.Platform)
		assert.Equal(t, []string{"i-0123456789"}, fake.input.InstanceIds)
	})

	t.Run("stopped instance", func(t *testing.T) {
		out := &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{
				Instances: []ec2types.Instance{{
					InstanceId: aws.String("i-0123456789"),
					State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
				}},
			}},
		}
		p := NewAWSProviderWithClients("us-east-1", &fakeECR{}, &fakeEC2{out: out}, quietLogger())

		inst, err := p.DescribeTarget(context.Background(), "i-0123456789")
		require.NoError(t, err)
		assert.False(t, inst.Running())
		assert.Equal(t, "stopped", inst.State)
	})

	t.Run("unknown id", func(t *testing.T) {
		fake := &fakeEC2{err: &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "nope"}}
		p := NewAWSProviderWithClients("us-east-1", &fakeECR{}, fake, quietLogger())

		_, err := p.DescribeTarget(context.Background(), "i-missing")
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("empty reservations", func(t *testing.T) {
		p := NewAWSProviderWithClients("us-east-1", &fakeECR{}, &fakeEC2{out: &ec2.DescribeInstancesOutput{}}, quietLogger())

		_, err := p.DescribeTarget(context.Background(), "i-0123456789")
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("throttled", func(t *testing.T) {
		fake := &fakeEC2{err: &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}}
		p := NewAWSProviderWithClients("us-east-1", &fakeECR{}, fake, quietLogger())

		_, err := p.DescribeTarget(context.Background(), "i-0123456789")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInstanceNotFound)
	})
}

func TestLoadAWSConfig_StaticCredentials(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", dir+"/config")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", dir+"/credentials")

	cfg, err := loadAWSConfig(context.Background(), AWSOptions{
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
	assert.Equal(t, credentials.StaticCredentialsName, creds.Source)
}
