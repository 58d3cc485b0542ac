// Package upstream turns cluster names into reachable addresses and performs
// outbound calls for the local gateway host.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	consulapi "github.com/hashicorp/consul/api"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wudi/filterkit/cluster"
	"github.com/wudi/filterkit/internal/config"
	"github.com/wudi/filterkit/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnresolved is returned when a cluster has no known address.
var ErrUnresolved = errors.New("cluster unresolved")

// lookuper abstracts DNS lookups for testability.
type lookuper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// healthService is the part of the Consul health API the resolver uses.
type healthService interface {
	Service(service, tag string, passingOnly bool, q *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error)
}

// Resolver maps cluster names to host:port addresses. Static upstreams win;
// ".consul" clusters are looked up in Consul; k8s, fqdn and ".dns" clusters
// go through DNS. ".static" and ".nacos" clusters need a static entry.
type Resolver struct {
	static     map[string][]string
	consul     healthService
	datacenter string
	dns        lookuper
	cache      *expirable.LRU[string, []string]
	group      singleflight.Group
	newBackOff func() backoff.BackOff

	mu   sync.Mutex
	next map[string]uint64
}

// NewResolver creates a resolver from the gateway configuration
func NewResolver(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{
		static:     make(map[string][]string, len(cfg.Upstreams)),
		datacenter: cfg.Consul.Datacenter,
		dns:        net.DefaultResolver,
		next:       make(map[string]uint64),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
	for name, addrs := range cfg.Upstreams {
		r.static[name] = append([]string(nil), addrs...)
	}

	size := cfg.Dispatch.ResolveCache
	if size <= 0 {
		size = 1024
	}
	r.cache = expirable.NewLRU[string, []string](size, nil, cfg.Dispatch.ResolveCacheTTL)

	if cfg.Consul.Address != "" {
		consulCfg := consulapi.DefaultConfig()
		consulCfg.Address = cfg.Consul.Address
		consulCfg.Scheme = cfg.Consul.Scheme
		consulCfg.Datacenter = cfg.Consul.Datacenter
		if cfg.Consul.Token != "" {
			consulCfg.Token = cfg.Consul.Token
		}
		client, err := consulapi.NewClient(consulCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Consul client: %w", err)
		}
		r.consul = client.Health()
	}

	return r, nil
}

// Resolve returns one address for clusterName, rotating through the known
// addresses. authority is the :authority of the outbound call; ".dns"
// clusters resolve it.
func (r *Resolver) Resolve(ctx context.Context, clusterName, authority string) (string, error) {
	addrs, err := r.Addresses(ctx, clusterName, authority)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	i := r.next[clusterName]
	r.next[clusterName] = i + 1
	r.mu.Unlock()

	return addrs[i%uint64(len(addrs))], nil
}

// Addresses returns every address known for clusterName.
func (r *Resolver) Addresses(ctx context.Context, clusterName, authority string) ([]string, error) {
	if addrs, ok := r.static[clusterName]; ok {
		return addrs, nil
	}

	name, err := cluster.ParseName(clusterName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	key := clusterName
	if name.Registry() == "dns" {
		key += "|" + authority
	}
	if addrs, ok := r.cache.Get(key); ok {
		return addrs, nil
	}

	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		addrs, err := r.lookup(ctx, name, authority)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, addrs)
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Debug("cluster resolution shared", zap.String("cluster", clusterName))
	}
	return v.([]string), nil
}

func (r *Resolver) lookup(ctx context.Context, name cluster.Name, authority string) ([]string, error) {
	port := strconv.FormatInt(name.Port, 10)
	switch registry := name.Registry(); registry {
	case "consul":
		return r.lookupConsul(ctx, name)
	case "dns":
		host := authority
		if h, _, err := net.SplitHostPort(authority); err == nil {
			host = h
		}
		if host == "" {
			return nil, fmt.Errorf("%w: %s has no authority to resolve", ErrUnresolved, name)
		}
		return r.lookupHost(ctx, host, port)
	case "k8s", "fqdn":
		return r.lookupHost(ctx, name.FQDN, port)
	default:
		return nil, fmt.Errorf("%w: %s clusters need a static upstream entry: %s", ErrUnresolved, registry, name)
	}
}

func (r *Resolver) lookupHost(ctx context.Context, host, port string) ([]string, error) {
	ips, err := r.dns.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrUnresolved, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: lookup %s: no addresses", ErrUnresolved, host)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip, port))
	}
	return addrs, nil
}

// lookupConsul reads healthy instances of "<service>.<dc>.consul". The port
// comes from the registration, not the cluster name.
func (r *Resolver) lookupConsul(ctx context.Context, name cluster.Name) ([]string, error) {
	if r.consul == nil {
		return nil, fmt.Errorf("%w: consul is not configured: %s", ErrUnresolved, name)
	}
	labels := strings.Split(strings.TrimSuffix(name.FQDN, ".consul"), ".")
	service := labels[0]
	dc := r.datacenter
	if len(labels) > 1 && labels[1] != "" {
		dc = labels[1]
	}

	op := func() ([]string, error) {
		entries, _, err := r.consul.Service(service, "", true, (&consulapi.QueryOptions{Datacenter: dc}).WithContext(ctx))
		if err != nil {
			return nil, err
		}
		addrs := make([]string, 0, len(entries))
		for _, entry := range entries {
			addr := entry.Service.Address
			if addr == "" {
				addr = entry.Node.Address
			}
			addrs = append(addrs, net.JoinHostPort(addr, strconv.Itoa(entry.Service.Port)))
		}
		if len(addrs) == 0 {
			return nil, backoff.Permanent(fmt.Errorf("%w: no healthy instances of %s in %s", ErrUnresolved, service, dc))
		}
		return addrs, nil
	}

	addrs, err := backoff.RetryWithData(op, backoff.WithContext(r.newBackOff(), ctx))
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: consul lookup %s: %v", ErrUnresolved, service, err)
	}
	return addrs, nil
}
