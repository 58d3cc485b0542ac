package gateway

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/wudi/filterkit/internal/config"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload applies a new gateway configuration. The plugin configuration is
// loaded into a new root first; routes and upstreams switch only if the
// filter accepts it.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	pluginCfg, err := config.PluginJSON(newCfg.Plugin)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	newState, err := g.buildState(newCfg)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	oldState := g.state()
	oldPlugin := g.currentPluginConfig()

	if err := g.LoadPlugin(pluginCfg); err != nil {
		result.Error = err.Error()
		return result
	}

	g.stateMu.Lock()
	g.current = newState
	g.stateMu.Unlock()

	result.Success = true
	result.Changes = diffConfig(oldState.config, newCfg)
	if !bytes.Equal(oldPlugin, pluginCfg) {
		result.Changes = append(result.Changes, "plugin configuration changed")
		sort.Strings(result.Changes)
	}
	return result
}

// ReloadPlugin loads a new plugin configuration and keeps routes as they are.
func (g *Gateway) ReloadPlugin(pluginCfg []byte) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}
	if err := g.LoadPlugin(pluginCfg); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Changes = []string{"plugin configuration changed"}
	return result
}

func (g *Gateway) currentPluginConfig() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.root == nil {
		return nil
	}
	return g.root.config
}

// diffConfig describes what differs between two gateway configurations.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]config.RouteConfig, len(oldCfg.Routes))
	for _, r := range oldCfg.Routes {
		oldRoutes[r.Name] = r
	}
	newRoutes := make(map[string]config.RouteConfig, len(newCfg.Routes))
	for _, r := range newCfg.Routes {
		newRoutes[r.Name] = r
	}

	for name, r := range newRoutes {
		old, ok := oldRoutes[name]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("route added: %s", name))
		case old != r:
			changes = append(changes, fmt.Sprintf("route changed: %s", name))
		}
	}
	for name := range oldRoutes {
		if _, ok := newRoutes[name]; !ok {
			changes = append(changes, fmt.Sprintf("route removed: %s", name))
		}
	}

	for name, addrs := range newCfg.Upstreams {
		old, ok := oldCfg.Upstreams[name]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("upstream added: %s", name))
		case !reflect.DeepEqual(old, addrs):
			changes = append(changes, fmt.Sprintf("upstream changed: %s", name))
		}
	}
	for name := range oldCfg.Upstreams {
		if _, ok := newCfg.Upstreams[name]; !ok {
			changes = append(changes, fmt.Sprintf("upstream removed: %s", name))
		}
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changes = append(changes, "dispatch settings changed")
	}
	if oldCfg.Consul != newCfg.Consul {
		changes = append(changes, "consul settings changed")
	}
	if oldCfg.Listen != newCfg.Listen {
		changes = append(changes, fmt.Sprintf("listen changed: %s -> %s (requires restart)", oldCfg.Listen, newCfg.Listen))
	}

	sort.Strings(changes)
	return changes
}

func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	return history
}
