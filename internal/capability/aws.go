package capability

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Symbolic client names visible to sandboxed code.
const (
	Compute    = "compute"
	Containers = "containers"
	Database   = "database"
	Metrics    = "metrics"
	Logs       = "logs"
	Identity   = "identity"
)

// EC2API is the read-only subset of the EC2 client.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeAddresses(ctx context.Context, in *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
}

// ECSAPI is the read-only subset of the ECS client.
type ECSAPI interface {
	ListClusters(ctx context.Context, in *ecs.ListClustersInput, optFns ...func(*ecs.Options)) (*ecs.ListClustersOutput, error)
	DescribeClusters(ctx context.Context, in *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error)
	ListServices(ctx context.Context, in *ecs.ListServicesInput, optFns ...func(*ecs.Options)) (*ecs.ListServicesOutput, error)
	DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	ListTasks(ctx context.Context, in *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	DescribeTaskDefinition(ctx context.Context, in *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
}

// RDSAPI is the read-only subset of the RDS client.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	DescribeDBClusters(ctx context.Context, in *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	DescribeDBSnapshots(ctx context.Context, in *rds.DescribeDBSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error)
	DescribeEvents(ctx context.Context, in *rds.DescribeEventsInput, optFns ...func(*rds.Options)) (*rds.DescribeEventsOutput, error)
}

// CloudWatchAPI is the read-only subset of the CloudWatch client.
type CloudWatchAPI interface {
	GetMetricData(ctx context.Context, in *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
	GetMetricStatistics(ctx context.Context, in *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
	ListMetrics(ctx context.Context, in *cloudwatch.ListMetricsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.ListMetricsOutput, error)
	DescribeAlarms(ctx context.Context, in *cloudwatch.DescribeAlarmsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error)
}

// LogsAPI is the read-only subset of the CloudWatch Logs client.
type LogsAPI interface {
	DescribeLogGroups(ctx context.Context, in *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	DescribeLogStreams(ctx context.Context, in *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
	GetLogEvents(ctx context.Context, in *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
}

// IAMAPI is the read-only subset of the IAM client.
type IAMAPI interface {
	ListRoles(ctx context.Context, in *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	ListUsers(ctx context.Context, in *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	ListPolicies(ctx context.Context, in *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
}

// STSAPI is the read-only subset of the STS client.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Backends are the SDK clients a Set wraps. Nil entries are omitted.
type Backends struct {
	EC2        EC2API
	ECS        ECSAPI
	RDS        RDSAPI
	CloudWatch CloudWatchAPI
	Logs       LogsAPI
	IAM        IAMAPI
	STS        STSAPI
}

// BackendsFromConfig builds real SDK clients from cfg.
func BackendsFromConfig(cfg aws.Config) Backends {
	return Backends{
		EC2:        ec2.NewFromConfig(cfg),
		ECS:        ecs.NewFromConfig(cfg),
		RDS:        rds.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
		Logs:       cloudwatchlogs.NewFromConfig(cfg),
		IAM:        iam.NewFromConfig(cfg),
		STS:        sts.NewFromConfig(cfg),
	}
}

// NewSet wraps backends into an immutable Set bound to region.
func NewSet(region string, b Backends) *Set {
	s := &Set{region: region, clients: make(map[string]*Client)}
	add := func(name string, methods map[string]Method) {
		c := &Client{name: name, methods: make(map[string]Method, len(methods))}
		for goName, m := range methods {
			c.methods[jsName(goName)] = m
		}
		s.clients[name] = c
	}

	if b.EC2 != nil {
		add(Compute, map[string]Method{
			"DescribeInstances":      bind(b.EC2.DescribeInstances),
			"DescribeVolumes":        bind(b.EC2.DescribeVolumes),
			"DescribeSecurityGroups": bind(b.EC2.DescribeSecurityGroups),
			"DescribeVpcs":           bind(b.EC2.DescribeVpcs),
			"DescribeSubnets":        bind(b.EC2.DescribeSubnets),
			"DescribeAddresses":      bind(b.EC2.DescribeAddresses),
			"DescribeSnapshots":      bind(b.EC2.DescribeSnapshots),
		})
	}
	if b.ECS != nil {
		add(Containers, map[string]Method{
			"ListClusters":           bind(b.ECS.ListClusters),
			"DescribeClusters":       bind(b.ECS.DescribeClusters),
			"ListServices":           bind(b.ECS.ListServices),
			"DescribeServices":       bind(b.ECS.DescribeServices),
			"ListTasks":              bind(b.ECS.ListTasks),
			"DescribeTasks":          bind(b.ECS.DescribeTasks),
			"DescribeTaskDefinition": bind(b.ECS.DescribeTaskDefinition),
		})
	}
	if b.RDS != nil {
		add(Database, map[string]Method{
			"DescribeDBInstances": bind(b.RDS.DescribeDBInstances),
			"DescribeDBClusters":  bind(b.RDS.DescribeDBClusters),
			"DescribeDBSnapshots": bind(b.RDS.DescribeDBSnapshots),
			"DescribeEvents":      bind(b.RDS.DescribeEvents),
		})
	}
	if b.CloudWatch != nil {
		add(Metrics, map[string]Method{
			"GetMetricData":       bind(b.CloudWatch.GetMetricData),
			"GetMetricStatistics": bind(b.CloudWatch.GetMetricStatistics),
			"ListMetrics":         bind(b.CloudWatch.ListMetrics),
			"DescribeAlarms":      bind(b.CloudWatch.DescribeAlarms),
		})
	}
	if b.Logs != nil {
		add(Logs, map[string]Method{
			"DescribeLogGroups":  bind(b.Logs.DescribeLogGroups),
			"DescribeLogStreams": bind(b.Logs.DescribeLogStreams),
			"FilterLogEvents":    bind(b.Logs.FilterLogEvents),
			"GetLogEvents":       bind(b.Logs.GetLogEvents),
		})
	}
	if b.IAM != nil || b.STS != nil {
		methods := map[string]Method{}
		if b.IAM != nil {
			methods["ListRoles"] = bind(b.IAM.ListRoles)
			methods["GetRole"] = bind(b.IAM.GetRole)
			methods["ListUsers"] = bind(b.IAM.ListUsers)
			methods["ListAttachedRolePolicies"] = bind(b.IAM.ListAttachedRolePolicies)
			methods["ListPolicies"] = bind(b.IAM.ListPolicies)
		}
		if b.STS != nil {
			methods["GetCallerIdentity"] = bind(b.STS.GetCallerIdentity)
		}
		add(Identity, methods)
	}
	return s
}
