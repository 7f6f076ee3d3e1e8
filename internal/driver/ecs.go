package driver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/mchatman/aware-sub000/internal/recipe"
	"github.com/mchatman/aware-sub000/pkg/config"
	pkgerrors "github.com/mchatman/aware-sub000/pkg/errors"
	"go.uber.org/zap"
)

const (
	// rulePriorityFloor is used when the shared listener has no rules yet.
	rulePriorityFloor = 100

	// teardownStepTimeout bounds each independent deletion step. Service
	// deletion drains running tasks and gets a longer budget.
	teardownStepTimeout = 30 * time.Second
	serviceDrainTimeout = 2 * time.Minute
)

// Narrow views of the AWS clients, so tests can substitute fakes.

type ecsAPI interface {
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	DeregisterTaskDefinition(ctx context.Context, params *ecs.DeregisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DeregisterTaskDefinitionOutput, error)
	CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DeleteService(ctx context.Context, params *ecs.DeleteServiceInput, optFns ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
}

type elbAPI interface {
	CreateTargetGroup(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	DeleteTargetGroup(ctx context.Context, params *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
	DescribeTargetGroups(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	CreateRule(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error)
	DeleteRule(ctx context.Context, params *elbv2.DeleteRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteRuleOutput, error)
	DescribeRules(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error)
}

type secretsAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// ECS drives the task-and-service backend: one task definition + one-task
// service per tenant, fronted by a shared ALB listener with a per-tenant
// host-header rule and target group.
type ECS struct {
	ecs     ecsAPI
	elb     elbAPI
	secrets secretsAPI
	cfg     config.AWSConfig
}

var _ Driver = (*ECS)(nil)

func NewECS(ctx context.Context, cfg *config.Config) (*ECS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &ECS{
		ecs:     ecs.NewFromConfig(awsCfg),
		elb:     elbv2.NewFromConfig(awsCfg),
		secrets: secretsmanager.NewFromConfig(awsCfg),
		cfg:     *cfg.AWS,
	}, nil
}

func (d *ECS) Remote() bool { return true }

func (d *ECS) Name() string { return "ecs" }

func (d *ECS) secretName(name string) string {
	prefix := d.cfg.SecretPrefix
	if prefix == "" {
		prefix = "aware/gateway"
	}
	return prefix + "/" + name
}

func (d *ECS) hostname(name string, spec *recipe.Spec) string {
	// The routing rule host must match what the recipe put in the gateway URL.
	return name + "." + hostBaseDomain(spec)
}

func hostBaseDomain(spec *recipe.Spec) string {
	// GatewayURL is wss://{name}.{baseDomain}; strip scheme and name.
	host := spec.GatewayURL
	if i := len("wss://"); len(host) > i && host[:i] == "wss://" {
		host = host[i:]
	}
	if i := len(spec.ContainerName) + 1; len(host) > i {
		return host[i:]
	}
	return host
}

// Realize creates, in order: secret, task definition, target group, listener
// rule, service. There is no rollback here; a failure leaves the tenant row
// in error and remove cleans up whatever exists.
func (d *ECS) Realize(ctx context.Context, spec *recipe.Spec) (string, error) {
	name := spec.ContainerName

	secretOut, err := d.secrets.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(d.secretName(name)),
		SecretString: aws.String(spec.Token),
	})
	if err != nil {
		return "", fmt.Errorf("create gateway secret: %w", err)
	}

	taskDefOut, err := d.ecs.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(name),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     aws.String("256"),
		Memory:                  aws.String("512"),
		ExecutionRoleArn:        aws.String(d.cfg.ExecutionRoleARN),
		TaskRoleArn:             aws.String(d.cfg.TaskRoleARN),
		ContainerDefinitions: []ecstypes.ContainerDefinition{
			{
				Name:      aws.String(name),
				Image:     aws.String(spec.ImageTag),
				Essential: aws.Bool(true),
				PortMappings: []ecstypes.PortMapping{
					{
						ContainerPort: aws.Int32(int32(spec.Port)),
						Protocol:      ecstypes.TransportProtocolTcp,
					},
				},
				Environment: []ecstypes.KeyValuePair{
					{Name: aws.String("GATEWAY_PORT"), Value: aws.String(strconv.Itoa(spec.Port))},
				},
				Secrets: []ecstypes.Secret{
					{Name: aws.String("GATEWAY_TOKEN"), ValueFrom: secretOut.ARN},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("register task definition: %w", err)
	}

	tgOut, err := d.elb.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:            aws.String(name),
		Port:            aws.Int32(int32(spec.Port)),
		Protocol:        elbtypes.ProtocolEnumHttp,
		VpcId:           aws.String(d.cfg.VPCID),
		TargetType:      elbtypes.TargetTypeEnumIp,
		HealthCheckPath: aws.String(spec.HealthPath),
	})
	if err != nil {
		return "", fmt.Errorf("create target group: %w", err)
	}
	if len(tgOut.TargetGroups) == 0 {
		return "", fmt.Errorf("create target group: empty response for %s", name)
	}
	tgARN := tgOut.TargetGroups[0].TargetGroupArn

	priority, err := d.nextRulePriority(ctx)
	if err != nil {
		return "", fmt.Errorf("compute rule priority: %w", err)
	}
	_, err = d.elb.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(d.cfg.ListenerARN),
		Priority:    aws.Int32(priority),
		Conditions: []elbtypes.RuleCondition{
			{
				Field: aws.String("host-header"),
				HostHeaderConfig: &elbtypes.HostHeaderConditionConfig{
					Values: []string{d.hostname(name, spec)},
				},
			},
		},
		Actions: []elbtypes.Action{
			{
				Type:           elbtypes.ActionTypeEnumForward,
				TargetGroupArn: tgARN,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create listener rule: %w", err)
	}

	svcOut, err := d.ecs.CreateService(ctx, &ecs.CreateServiceInput{
		Cluster:        aws.String(d.cfg.Cluster),
		ServiceName:    aws.String(name),
		TaskDefinition: taskDefOut.TaskDefinition.TaskDefinitionArn,
		DesiredCount:   aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        d.cfg.Subnets,
				SecurityGroups: d.cfg.SecurityGroups,
				AssignPublicIp: ecstypes.AssignPublicIpDisabled,
			},
		},
		LoadBalancers: []ecstypes.LoadBalancer{
			{
				TargetGroupArn: tgARN,
				ContainerName:  aws.String(name),
				ContainerPort:  aws.Int32(int32(spec.Port)),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create service: %w", err)
	}

	return aws.ToString(svcOut.Service.ServiceArn), nil
}

// nextRulePriority lists the shared listener's rules and returns
// max(priority)+1, or the floor when no numbered rules exist.
func (d *ECS) nextRulePriority(ctx context.Context) (int32, error) {
	out, err := d.elb.DescribeRules(ctx, &elbv2.DescribeRulesInput{
		ListenerArn: aws.String(d.cfg.ListenerARN),
	})
	if err != nil {
		return 0, err
	}
	var max int32
	for _, rule := range out.Rules {
		// The default rule reports priority "default"; skip anything non-numeric.
		p, err := strconv.ParseInt(aws.ToString(rule.Priority), 10, 32)
		if err != nil {
			continue
		}
		if int32(p) > max {
			max = int32(p)
		}
	}
	if max == 0 {
		return rulePriorityFloor, nil
	}
	return max + 1, nil
}

func (d *ECS) SetReplicas(ctx context.Context, name string, replicas int) error {
	_, err := d.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(d.cfg.Cluster),
		Service:      aws.String(name),
		DesiredCount: aws.Int32(int32(replicas)),
	})
	if err != nil {
		return fmt.Errorf("update service %s: %w", name, err)
	}
	return nil
}

func (d *ECS) Describe(ctx context.Context, name string) (Info, error) {
	out, err := d.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(d.cfg.Cluster),
		Services: []string{name},
	})
	if err != nil {
		return Info{}, fmt.Errorf("describe service %s: %w", name, err)
	}
	if len(out.Services) == 0 {
		return Info{}, fmt.Errorf("service %s not found", name)
	}
	svc := out.Services[0]
	return Info{
		Running:      svc.RunningCount > 0,
		ReplicaCount: int(svc.DesiredCount),
		ReadyCount:   int(svc.RunningCount),
	}, nil
}

// Teardown deletes service, task definition, listener rule, target group, and
// secret, in that order. Every step runs under its own timeout and failures
// are logged and skipped so one stuck resource never blocks the rest.
func (d *ECS) Teardown(ctx context.Context, name string) error {
	var failed int

	step := func(what string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			if pkgerrors.IsGone(err) {
				zap.S().Debugf("Teardown %s for %s: already gone", what, name)
				return
			}
			failed++
			zap.S().Errorf("Teardown %s for %s failed: %v", what, name, err)
		}
	}

	step("service", serviceDrainTimeout, func(c context.Context) error {
		_, err := d.ecs.DeleteService(c, &ecs.DeleteServiceInput{
			Cluster: aws.String(d.cfg.Cluster),
			Service: aws.String(name),
			Force:   aws.Bool(true),
		})
		return err
	})

	step("task definition", teardownStepTimeout, func(c context.Context) error {
		// Latest revision only; the family has exactly one per tenant.
		_, err := d.ecs.DeregisterTaskDefinition(c, &ecs.DeregisterTaskDefinitionInput{
			TaskDefinition: aws.String(name),
		})
		return err
	})

	step("listener rule", teardownStepTimeout, func(c context.Context) error {
		return d.deleteRuleByHost(c, name)
	})

	step("target group", teardownStepTimeout, func(c context.Context) error {
		out, err := d.elb.DescribeTargetGroups(c, &elbv2.DescribeTargetGroupsInput{
			Names: []string{name},
		})
		if err != nil {
			return err
		}
		if len(out.TargetGroups) == 0 {
			return nil
		}
		_, err = d.elb.DeleteTargetGroup(c, &elbv2.DeleteTargetGroupInput{
			TargetGroupArn: out.TargetGroups[0].TargetGroupArn,
		})
		return err
	})

	step("secret", teardownStepTimeout, func(c context.Context) error {
		_, err := d.secrets.DeleteSecret(c, &secretsmanager.DeleteSecretInput{
			SecretId:                   aws.String(d.secretName(name)),
			ForceDeleteWithoutRecovery: aws.Bool(true),
		})
		return err
	})

	if failed > 0 {
		return fmt.Errorf("teardown of %s: %d resource deletions failed", name, failed)
	}
	return nil
}

// deleteRuleByHost finds the tenant's listener rule by its host-header
// condition. The hostname prefix is the container name, which is unique.
func (d *ECS) deleteRuleByHost(ctx context.Context, name string) error {
	out, err := d.elb.DescribeRules(ctx, &elbv2.DescribeRulesInput{
		ListenerArn: aws.String(d.cfg.ListenerARN),
	})
	if err != nil {
		return err
	}
	for _, rule := range out.Rules {
		for _, cond := range rule.Conditions {
			if aws.ToString(cond.Field) != "host-header" || cond.HostHeaderConfig == nil {
				continue
			}
			for _, host := range cond.HostHeaderConfig.Values {
				if host == name || (len(host) > len(name) && host[:len(name)+1] == name+".") {
					_, err := d.elb.DeleteRule(ctx, &elbv2.DeleteRuleInput{RuleArn: rule.RuleArn})
					return err
				}
			}
		}
	}
	return nil
}
