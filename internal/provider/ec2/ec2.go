package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"Rigger/internal/config"
	"Rigger/internal/fleet"
	"Rigger/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

const (
	tagManagedBy = "rigger:managed-by"
	tagName      = "rigger:runner-name"
	tagRepo      = "rigger:repo"
)

// Driver runs runner units as EC2 instances, for pools that need full VMs
// instead of containers.
type Driver struct {
	client *ec2.Client
	config config.AWSConfig
	logger *slog.Logger
}

func New(cfg config.AWSConfig, logger *slog.Logger) (*Driver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Driver{
		client: ec2.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger.With("driver", "ec2"),
	}, nil
}

func (d *Driver) Name() string {
	return "ec2"
}

func (d *Driver) Create(ctx context.Context, spec provider.Spec) (string, error) {
	d.logger.Info("launching runner instance",
		"name", spec.Name,
		"repo", spec.Repo,
		"instance_type", d.config.InstanceType,
		"spot", d.config.UseSpot,
	)

	userData := base64.StdEncoding.EncodeToString([]byte(d.buildUserData(spec)))
	tagSpecs := []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: d.buildTags(spec)},
		{ResourceType: types.ResourceTypeVolume, Tags: d.buildTags(spec)},
	}

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(d.config.AMI),
		InstanceType:      types.InstanceType(d.config.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		SubnetId:          aws.String(d.config.SubnetID),
		SecurityGroupIds:  d.config.SecurityGroupIDs,
		UserData:          aws.String(userData),
		TagSpecifications: tagSpecs,
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(d.config.VolumeSize),
					VolumeType:          types.VolumeType(d.config.VolumeType),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
	}
	if d.config.KeyName != "" {
		input.KeyName = aws.String(d.config.KeyName)
	}
	if d.config.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(d.config.IAMInstanceProfile),
		}
	}
	if d.config.UseSpot {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
		if d.config.SpotMaxPrice != "" {
			input.InstanceMarketOptions.SpotOptions.MaxPrice = aws.String(d.config.SpotMaxPrice)
		}
	}

	result, err := d.client.RunInstances(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("no instance launched: %w", fleet.ErrTransient)
	}

	instanceID := aws.ToString(result.Instances[0].InstanceId)
	d.logger.Info("runner instance launched", "name", spec.Name, "instance_id", instanceID)
	return instanceID, nil
}

func (d *Driver) Destroy(ctx context.Context, handle string) error {
	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(err)
	}
	d.logger.Info("runner instance terminated", "instance_id", handle)
	return nil
}

func (d *Driver) List(ctx context.Context, selector map[string]string) ([]provider.Unit, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagManagedBy), Values: []string{"rigger"}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	}
	for k, v := range selector {
		input.Filters = append(input.Filters, types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{v},
		})
	}

	result, err := d.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, classify(err)
	}

	var units []provider.Unit
	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			units = append(units, unitFromInstance(instance))
		}
	}
	return units, nil
}

func (d *Driver) HealthCheck(ctx context.Context) error {
	_, err := d.client.DescribeAccountAttributes(ctx, &ec2.DescribeAccountAttributesInput{})
	if err != nil {
		return fmt.Errorf("ec2 health check: %w", err)
	}
	return nil
}

func (d *Driver) Close() error {
	return nil
}

func (d *Driver) buildUserData(spec provider.Spec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "export RUNNER_NAME=%q\n", spec.Name)
	fmt.Fprintf(&b, "export RUNNER_TOKEN=%q\n", spec.Credential)
	fmt.Fprintf(&b, "export RUNNER_REPO=%q\n", spec.Repo)
	fmt.Fprintf(&b, "export RUNNER_LABELS=%q\n", strings.Join(spec.Labels, ","))
	for k, v := range spec.Env {
		fmt.Fprintf(&b, "export %s=%q\n", k, v)
	}
	if d.config.UserDataScript != "" {
		b.WriteString(d.config.UserDataScript)
		b.WriteString("\n")
	}
	return b.String()
}

func (d *Driver) buildTags(spec provider.Spec) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(tagManagedBy), Value: aws.String("rigger")},
		{Key: aws.String(tagName), Value: aws.String(spec.Name)},
		{Key: aws.String(tagRepo), Value: aws.String(spec.Repo)},
		{Key: aws.String("Name"), Value: aws.String(spec.Name)},
	}
	for k, v := range d.config.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

func unitFromInstance(instance types.Instance) provider.Unit {
	unit := provider.Unit{
		Handle: aws.ToString(instance.InstanceId),
		Labels: make(map[string]string, len(instance.Tags)),
	}
	if instance.State != nil {
		unit.State = string(instance.State.Name)
	}
	if instance.LaunchTime != nil {
		unit.CreatedAt = *instance.LaunchTime
	}
	for _, tag := range instance.Tags {
		k, v := aws.ToString(tag.Key), aws.ToString(tag.Value)
		unit.Labels[k] = v
		switch k {
		case tagName:
			unit.Name = v
		case tagRepo:
			unit.Repo = v
		}
	}
	return unit
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID")
	}
	return false
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InsufficientInstanceCapacity", "InstanceLimitExceeded", "MaxSpotInstanceCountExceeded", "VcpuLimitExceeded":
			return fmt.Errorf("%v: %w", err, fleet.ErrResourceExhausted)
		case "InvalidParameterValue", "InvalidAMIID.NotFound", "InvalidAMIID.Malformed", "InvalidSubnetID.NotFound", "InvalidGroup.NotFound":
			return fmt.Errorf("%v: %w", err, fleet.ErrBadSpec)
		}
	}
	return fmt.Errorf("%v: %w", err, fleet.ErrTransient)
}
