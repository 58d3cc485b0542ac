package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// Name is a parsed "direction|port|version|fqdn" cluster identifier.
type Name struct {
	Direction string
	Port      int64
	Version   string
	FQDN      string
}

// ParseName splits a cluster identifier into its four parts.
func ParseName(s string) (Name, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Name{}, fmt.Errorf("cluster name %q: want 4 pipe separated parts, got %d", s, len(parts))
	}
	port, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Name{}, fmt.Errorf("cluster name %q: invalid port: %w", s, err)
	}
	return Name{
		Direction: parts[0],
		Port:      port,
		Version:   parts[2],
		FQDN:      parts[3],
	}, nil
}

func (n Name) String() string {
	return fmt.Sprintf("%s|%d|%s|%s", n.Direction, n.Port, n.Version, n.FQDN)
}

// Registry returns the registry suffix of the fqdn: "static", "dns",
// "consul", "nacos", "nacos-ext" or "k8s". Anything else is "fqdn".
func (n Name) Registry() string {
	switch {
	case strings.HasSuffix(n.FQDN, ".svc.cluster.local"):
		return "k8s"
	case strings.HasSuffix(n.FQDN, ".nacos-ext"):
		return "nacos-ext"
	}
	if i := strings.LastIndexByte(n.FQDN, '.'); i >= 0 {
		switch tail := n.FQDN[i+1:]; tail {
		case "static", "dns", "consul", "nacos":
			return tail
		}
	}
	return "fqdn"
}

// Service returns the leading label of the fqdn.
func (n Name) Service() string {
	if i := strings.IndexByte(n.FQDN, '.'); i >= 0 {
		return n.FQDN[:i]
	}
	return n.FQDN
}
