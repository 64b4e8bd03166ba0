// Package gcpresource maps OpenTelemetry resources to Google Cloud
// monitored resource types.
package gcpresource

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Resource is a monitored resource type with resolved labels.
type Resource struct {
	Type   string
	Labels map[string]string
}

// rule resolves one monitored resource label from an ordered list of
// candidate attribute keys. First present attribute wins, then the
// fallback literal, otherwise the label is omitted.
type rule struct {
	label    string
	keys     []attribute.Key
	fallback string
	literal  bool
}

type table struct {
	typ   string
	rules []rule
}

var (
	gceInstance = table{typ: "gce_instance", rules: []rule{
		{label: "zone", keys: []attribute.Key{semconv.CloudAvailabilityZoneKey}},
		{label: "instance_id", keys: []attribute.Key{semconv.HostIDKey}},
	}}
	k8sContainer = table{typ: "k8s_container", rules: []rule{
		{label: "location", keys: []attribute.Key{semconv.CloudAvailabilityZoneKey, semconv.CloudRegionKey}},
		{label: "cluster_name", keys: []attribute.Key{semconv.K8SClusterNameKey}},
		{label: "namespace_name", keys: []attribute.Key{semconv.K8SNamespaceNameKey}},
		{label: "container_name", keys: []attribute.Key{semconv.K8SContainerNameKey}},
		{label: "pod_name", keys: []attribute.Key{semconv.K8SPodNameKey}},
	}}
	awsEC2Instance = table{typ: "aws_ec2_instance", rules: []rule{
		{label: "instance_id", keys: []attribute.Key{semconv.HostIDKey}},
		{label: "region", keys: []attribute.Key{semconv.CloudAvailabilityZoneKey}},
		{label: "aws_account", keys: []attribute.Key{semconv.CloudAccountIDKey}},
	}}
	gaeInstance = table{typ: "gae_instance", rules: []rule{
		{label: "module_id", keys: []attribute.Key{semconv.FaaSNameKey}},
		{label: "version_id", keys: []attribute.Key{semconv.FaaSVersionKey}},
		{label: "instance_id", keys: []attribute.Key{semconv.FaaSIDKey}},
		{label: "location", keys: []attribute.Key{semconv.CloudRegionKey}},
	}}
	genericTask = table{typ: "generic_task", rules: []rule{
		{label: "location", keys: []attribute.Key{semconv.CloudAvailabilityZoneKey, semconv.CloudRegionKey}, fallback: "global", literal: true},
		{label: "namespace", keys: []attribute.Key{semconv.ServiceNamespaceKey}, fallback: "", literal: true},
		{label: "job", keys: []attribute.Key{semconv.ServiceNameKey}, fallback: "", literal: true},
		{label: "task_id", keys: []attribute.Key{semconv.ServiceInstanceIDKey, semconv.FaaSIDKey}, fallback: "", literal: true},
	}}
)

// Map converts an OpenTelemetry resource into a monitored resource.
//
// The cloud.platform attribute selects the mapping table, defaulting
// to generic_task when absent or unrecognized. Missing optional
// attributes produce no error, the label is omitted.
func Map(res *resource.Resource) Resource {
	set := res.Set()

	t := genericTask
	if platform, ok := set.Value(semconv.CloudPlatformKey); ok {
		switch platform.Emit() {
		case semconv.CloudPlatformGCPComputeEngine.Value.AsString():
			t = gceInstance
		case semconv.CloudPlatformGCPKubernetesEngine.Value.AsString():
			t = k8sContainer
		case semconv.CloudPlatformAWSEC2.Value.AsString():
			t = awsEC2Instance
		case semconv.CloudPlatformGCPAppEngine.Value.AsString():
			t = gaeInstance
		}
	}

	r := Resource{
		Type:   t.typ,
		Labels: make(map[string]string, len(t.rules)),
	}
	for _, rule := range t.rules {
		if v, ok := resolve(set, rule.keys); ok {
			r.Labels[rule.label] = v
		} else if rule.literal {
			r.Labels[rule.label] = rule.fallback
		}
	}
	return r
}

func resolve(set *attribute.Set, keys []attribute.Key) (string, bool) {
	for _, key := range keys {
		if v, ok := set.Value(key); ok {
			return v.Emit(), true
		}
	}
	return "", false
}
