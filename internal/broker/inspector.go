package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// InstanceInspector reports point-in-time status of the compute
// instance backing a SandboxEnv: lifecycle state, instance type,
// network addresses, OS, and recent CPU utilization.
type InstanceInspector struct {
	ec2Client *ec2.Client
	cwClient  *cloudwatch.Client
	region    string
}

// NewInstanceInspector builds an inspector sharing the broker's AWS
// region/credentials configuration, resolved through the same load
// options as the SSM shell so both clients act as one principal.
func NewInstanceInspector(ctx context.Context, cfg SandboxConfig) (*InstanceInspector, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsLoadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &InstanceInspector{
		ec2Client: ec2.NewFromConfig(awsCfg),
		cwClient:  cloudwatch.NewFromConfig(awsCfg),
		region:    cfg.Region,
	}, nil
}

// Status describes the current state of instanceID.
func (i *InstanceInspector) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	out, err := i.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return InstanceStatus{}, fmt.Errorf("describe instance: %w", err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return InstanceStatus{}, fmt.Errorf("instance %s not found", instanceID)
	}
	inst := out.Reservations[0].Instances[0]

	status := InstanceStatus{
		InstanceID:   instanceID,
		State:        string(inst.State.Name),
		InstanceType: string(inst.InstanceType),
		OSName:       "Unknown",
	}
	if inst.PublicIpAddress != nil {
		status.PublicIP = *inst.PublicIpAddress
	}
	if inst.PrivateIpAddress != nil {
		status.PrivateIP = *inst.PrivateIpAddress
	}
	if inst.LaunchTime != nil {
		status.LaunchTime = *inst.LaunchTime
	}

	if inst.ImageId != nil {
		status.OSName = i.describeOS(ctx, *inst.ImageId)
	}
	status.CPUUtilization = i.cpuUtilization(ctx, instanceID)
	return status, nil
}

// describeOS best-effort maps an AMI description to a friendly OS
// name. A lookup failure yields "Unknown" rather than propagating.
func (i *InstanceInspector) describeOS(ctx context.Context, imageID string) string {
	out, err := i.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil || len(out.Images) == 0 || out.Images[0].Description == nil {
		return "Unknown"
	}
	desc := strings.ToLower(*out.Images[0].Description)
	arch := ""
	if strings.Contains(desc, "arm64") {
		arch = " (arm64)"
	}
	switch {
	case strings.Contains(desc, "24.04"):
		return "Ubuntu 24.04" + arch
	case strings.Contains(desc, "22.04"):
		return "Ubuntu 22.04" + arch
	case strings.Contains(desc, "20.04"):
		return "Ubuntu 20.04" + arch
	case strings.Contains(desc, "amazon linux 2023"):
		return "Amazon Linux 2023" + arch
	case strings.Contains(desc, "amazon linux 2"):
		return "Amazon Linux 2" + arch
	default:
		return "Unknown"
	}
}

// cpuUtilization reports the most recent 5-minute average/maximum CPU
// utilization. No datapoints (instance recently launched) and a
// CloudWatch-layer error are both reported as informational variants
// rather than errors, matching the broker's never-raise-on-status
// philosophy.
func (i *InstanceInspector) cpuUtilization(ctx context.Context, instanceID string) CPUStats {
	end := time.Now()
	start := end.Add(-5 * time.Minute)

	out, err := i.cwClient.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  awsString("AWS/EC2"),
		MetricName: awsString("CPUUtilization"),
		Dimensions: []cwtypes.Dimension{
			{Name: awsString("InstanceId"), Value: &instanceID},
		},
		StartTime:  &start,
		EndTime:    &end,
		Period:     int32OrNil(300),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage, cwtypes.StatisticMaximum},
	})
	if err != nil {
		return CPUStats{Error: err.Error()}
	}
	if len(out.Datapoints) == 0 {
		return CPUStats{Message: "no CPU datapoints available yet"}
	}

	// CloudWatch does not guarantee datapoint ordering; pick the most
	// recent one by timestamp.
	dp := out.Datapoints[0]
	for _, candidate := range out.Datapoints[1:] {
		if candidate.Timestamp != nil && (dp.Timestamp == nil || candidate.Timestamp.After(*dp.Timestamp)) {
			dp = candidate
		}
	}
	stats := CPUStats{PeriodMinutes: 5}
	if dp.Average != nil {
		stats.Average = *dp.Average
	}
	if dp.Maximum != nil {
		stats.Maximum = *dp.Maximum
	}
	if dp.Timestamp != nil {
		stats.Timestamp = *dp.Timestamp
	}
	return stats
}
