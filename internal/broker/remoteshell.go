package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"go.uber.org/zap"

	"sandbox-broker/internal/logging"
	"sandbox-broker/internal/metrics"
)

// RemoteShell sends a single shell command to a named compute instance
// and waits for it to finish. It never returns a non-nil error for a
// remote-side failure -- only for caller-programming mistakes -- the
// remote failure itself is folded into RemoteResult.
type RemoteShell interface {
	Run(ctx context.Context, command string, timeoutSec int) (RemoteResult, error)
}

// SSMShell dispatches commands through AWS Systems Manager's
// AWS-RunShellScript document against one EC2 instance.
type SSMShell struct {
	client     *ssm.Client
	instanceID string
	pollDelay  time.Duration
}

// awsLoadOptions translates a profile's region and credential method
// into SDK load options. Every AWS client the broker builds -- the SSM
// shell and the EC2/CloudWatch inspector alike -- must go through this
// so they all authenticate as the same principal.
func awsLoadOptions(cfg SandboxConfig) []func(*awsconfig.LoadOptions) error {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	switch {
	case cfg.Creds.HasProfile():
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(cfg.Creds.Profile))
	case cfg.Creds.HasKeys():
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Creds.AccessKeyID, cfg.Creds.SecretAccessKey, cfg.Creds.SessionToken),
		))
	}
	return optFns
}

// NewSSMShell builds an SSM-backed RemoteShell for the given config.
func NewSSMShell(ctx context.Context, cfg SandboxConfig) (*SSMShell, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsLoadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SSMShell{
		client:     ssm.NewFromConfig(awsCfg),
		instanceID: cfg.InstanceID,
		pollDelay:  2 * time.Second,
	}, nil
}

// Run sends command via SendCommand and polls GetCommandInvocation until
// a terminal status, the attempt budget is exhausted, or ctx is
// cancelled. Any SDK-layer error -- not a program-level failure --
// becomes a synthesized RemoteResult{Status: Failed, ReturnCode: 1}.
func (s *SSMShell) Run(ctx context.Context, command string, timeoutSec int) (RemoteResult, error) {
	if s.client == nil {
		return RemoteResult{}, errors.New("broker: nil ssm client")
	}

	channelTimeout := timeoutSec
	if channelTimeout <= 0 || channelTimeout > 3600 {
		channelTimeout = 3600
	}

	sendOut, err := s.client.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:    []string{s.instanceID},
		DocumentName:   awsString("AWS-RunShellScript"),
		Parameters:     map[string][]string{"commands": {command}},
		TimeoutSeconds: int32OrNil(int32(channelTimeout)),
	})
	if err != nil {
		logging.L().Warn("ssm send_command failed", zap.String("instance_id", s.instanceID), zap.Error(err))
		metrics.ObserveRemoteCommand(false)
		return RemoteResult{Stdout: "", Stderr: err.Error(), Status: StatusFailed, ReturnCode: 1}, nil
	}
	commandID := *sendOut.Command.CommandId

	maxAttempts := timeoutSec / 2
	if maxAttempts < 30 {
		maxAttempts = 30
	}

	var invocation *ssm.GetCommandInvocationOutput
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return RemoteResult{Stdout: "", Stderr: ctx.Err().Error(), Status: StatusFailed, ReturnCode: 1}, nil
		case <-time.After(s.pollDelay):
		}

		out, err := s.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  &commandID,
			InstanceId: &s.instanceID,
		})
		if err != nil {
			continue
		}
		invocation = out
		if isTerminalStatus(out.Status) {
			break
		}
	}

	if invocation == nil {
		metrics.ObserveRemoteCommand(false)
		return RemoteResult{Stdout: "", Stderr: "ssm command timed out waiting for invocation status", Status: StatusFailed, ReturnCode: 1}, nil
	}

	result := RemoteResult{
		Stdout:     derefString(invocation.StandardOutputContent),
		Stderr:     derefString(invocation.StandardErrorContent),
		ReturnCode: int(invocation.ResponseCode),
	}
	if invocation.Status == ssmtypes.CommandInvocationStatusSuccess {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusFailed
	}
	metrics.ObserveRemoteCommand(result.Status == StatusSuccess)
	return result, nil
}

func isTerminalStatus(status ssmtypes.CommandInvocationStatus) bool {
	switch status {
	case ssmtypes.CommandInvocationStatusSuccess,
		ssmtypes.CommandInvocationStatusFailed,
		ssmtypes.CommandInvocationStatusCancelled,
		ssmtypes.CommandInvocationStatusTimedOut:
		return true
	default:
		return false
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func awsString(s string) *string { return &s }

func int32OrNil(v int32) *int32 { return &v }
