// Package cluster describes upstream targets for outbound calls. Each variant
// computes the cluster name handed to the host's dispatch layer and the value
// placed in the outbound authority header.
package cluster

import (
	"fmt"
	"strings"
)

// Request is the slice of a request stream that route bound clusters read.
type Request interface {
	GetProperty(path ...string) ([]byte, error)
	GetHttpRequestHeader(key string) (string, error)
}

// Cluster is an addressable upstream target.
// Every variant except RouteCluster ignores req, which may be nil.
type Cluster interface {
	ClusterName(req Request) string
	HostName(req Request) string
}

const (
	defaultNamespace  = "default"
	defaultNacosGroup = "DEFAULT-GROUP"
)

// RouteCluster targets the cluster the current route is bound to.
type RouteCluster struct {
	Host string
}

func (c RouteCluster) ClusterName(req Request) string {
	if req == nil {
		return ""
	}
	name, err := req.GetProperty("cluster_name")
	if err != nil {
		return ""
	}
	return string(name)
}

func (c RouteCluster) HostName(req Request) string {
	if c.Host != "" {
		return c.Host
	}
	if req == nil {
		return ""
	}
	authority, err := req.GetHttpRequestHeader(":authority")
	if err != nil {
		return ""
	}
	return authority
}

// K8sCluster targets a Kubernetes service.
type K8sCluster struct {
	ServiceName string
	Namespace   string
	Port        int64
	Version     string
	Host        string
}

func (c K8sCluster) fqdn() string {
	ns := c.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local", c.ServiceName, ns)
}

func (c K8sCluster) ClusterName(Request) string {
	return fmt.Sprintf("outbound|%d|%s|%s", c.Port, c.Version, c.fqdn())
}

func (c K8sCluster) HostName(Request) string {
	if c.Host != "" {
		return c.Host
	}
	return c.fqdn()
}

// NacosCluster targets a service registered in Nacos. Group defaults to
// DEFAULT-GROUP with underscores turned into dashes; IsExtRegistry selects
// the "nacos-ext" suffix.
type NacosCluster struct {
	ServiceName   string
	Group         string
	NamespaceID   string
	Port          int64
	IsExtRegistry bool
	Version       string
	Host          string
}

func (c NacosCluster) ClusterName(Request) string {
	group := c.Group
	if group == "" {
		group = defaultNacosGroup
	}
	group = strings.ReplaceAll(group, "_", "-")
	tail := "nacos"
	if c.IsExtRegistry {
		tail = "nacos-ext"
	}
	return fmt.Sprintf("outbound|%d|%s|%s.%s.%s.%s", c.Port, c.Version, c.ServiceName, group, c.NamespaceID, tail)
}

func (c NacosCluster) HostName(Request) string {
	if c.Host != "" {
		return c.Host
	}
	return c.ServiceName
}

// StaticIpCluster targets a service backed by a fixed address list.
type StaticIpCluster struct {
	ServiceName string
	Port        int64
	Host        string
}

func (c StaticIpCluster) ClusterName(Request) string {
	return fmt.Sprintf("outbound|%d||%s.static", c.Port, c.ServiceName)
}

func (c StaticIpCluster) HostName(Request) string {
	if c.Host != "" {
		return c.Host
	}
	return c.ServiceName
}

// DnsCluster targets a service resolved through DNS.
type DnsCluster struct {
	ServiceName string
	Domain      string
	Port        int64
	Host        string
}

func (c DnsCluster) ClusterName(Request) string {
	return fmt.Sprintf("outbound|%d||%s.dns", c.Port, c.ServiceName)
}

func (c DnsCluster) HostName(Request) string {
	if c.Host != "" {
		return c.Host
	}
	return c.Domain
}

// ConsulCluster targets a service registered in Consul.
type ConsulCluster struct {
	ServiceName string
	Datacenter  string
	Port        int64
	Host        string
}

func (c ConsulCluster) ClusterName(Request) string {
	return fmt.Sprintf("outbound|%d||%s.%s.consul", c.Port, c.ServiceName, c.Datacenter)
}

func (c ConsulCluster) HostName(Request) string {
	if c.Host != "" {
		return c.Host
	}
	return c.ServiceName
}

// FQDNCluster targets a fully qualified domain name known to the host.
type FQDNCluster struct {
	FQDN string
	Host string
	Port int64
}

func (c FQDNCluster) ClusterName(Request) string {
	return fmt.Sprintf("outbound|%d||%s", c.Port, c.FQDN)
}

func (c FQDNCluster) HostName(Request) string {
	if c.Host != "" {
		return c.Host
	}
	return c.FQDN
}
