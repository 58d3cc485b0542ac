// Package matcher resolves which plugin configuration applies to a request.
//
// A configuration object may carry an ordered "_rules_" array. Each rule
// names exactly one match category through a reserved key and carries its
// own payload; everything outside "_rules_" is the global fallback.
package matcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wudi/filterkit/host"
	ferrors "github.com/wudi/filterkit/internal/errors"
)

// Category is the single match dimension of a rule.
type Category int

const (
	Route Category = iota
	Host
	Service
	RoutePrefix
)

func (c Category) String() string {
	switch c {
	case Route:
		return "route"
	case Host:
		return "host"
	case Service:
		return "service"
	case RoutePrefix:
		return "route_prefix"
	default:
		return "unknown"
	}
}

// MatchType is how a host pattern is compared.
type MatchType int

const (
	Prefix MatchType = iota
	Exact
	Suffix
)

// Reserved configuration keys.
const (
	RulesKey            = "_rules_"
	MatchRouteKey       = "_match_route_"
	MatchDomainKey      = "_match_domain_"
	MatchServiceKey     = "_match_service_"
	MatchRoutePrefixKey = "_match_route_prefix_"
)

var matchKeys = []string{MatchRouteKey, MatchDomainKey, MatchServiceKey, MatchRoutePrefixKey}

// Request is what resolution reads from the in-flight request.
type Request interface {
	GetProperty(path ...string) ([]byte, error)
	GetHttpRequestHeader(key string) (string, error)
}

// HostMatcher is one parsed "_match_domain_" pattern.
type HostMatcher struct {
	matchType MatchType
	host      string
}

func newHostMatcher(pattern string) HostMatcher {
	switch {
	case strings.HasPrefix(pattern, "*"):
		return HostMatcher{matchType: Suffix, host: pattern[1:]}
	case strings.HasSuffix(pattern, "*"):
		return HostMatcher{matchType: Prefix, host: pattern[:len(pattern)-1]}
	default:
		return HostMatcher{matchType: Exact, host: pattern}
	}
}

func (h HostMatcher) match(reqHost string) bool {
	switch h.matchType {
	case Suffix:
		return strings.HasSuffix(reqHost, h.host)
	case Prefix:
		return strings.HasPrefix(reqHost, h.host)
	case Exact:
		return reqHost == h.host
	}
	return false
}

// RuleConfig is one parsed entry of "_rules_".
type RuleConfig[C any] struct {
	category      Category
	routes        map[string]struct{}
	hosts         []HostMatcher
	services      map[string]struct{}
	routePrefixes []string
	config        C
}

// Category reports the rule's match dimension.
func (r *RuleConfig[C]) Category() Category {
	return r.category
}

// Config returns the rule's typed payload.
func (r *RuleConfig[C]) Config() C {
	return r.config
}

// RuleMatcher holds the ordered rules and optional global config of one
// configuration load. It is read-only once ParseRuleConfig returns.
type RuleMatcher[C any] struct {
	ruleConfig      []RuleConfig[C]
	globalConfig    C
	hasGlobalConfig bool
}

// Rules returns the parsed rules in declaration order.
func (m *RuleMatcher[C]) Rules() []RuleConfig[C] {
	return m.ruleConfig
}

// GlobalConfig returns the fallback config and whether one was parsed.
func (m *RuleMatcher[C]) GlobalConfig() (C, bool) {
	return m.globalConfig, m.hasGlobalConfig
}

// ParseRuleConfig builds the matcher from config. parse decodes a payload
// into a fresh C; parseOverride, when set, decodes a rule payload starting
// from the parsed global config.
func (m *RuleMatcher[C]) ParseRuleConfig(config gjson.Result,
	parse func(gjson.Result, *C) error,
	parseOverride func(gjson.Result, C, *C) error) error {
	if parse == nil {
		return ferrors.New(ferrors.KindConfig, "no config parser")
	}
	if config.Exists() && !config.IsObject() {
		return ferrors.New(ferrors.KindConfig, "configuration must be a JSON object, got %s", config.Type)
	}

	obj := config.Map()
	keyCount := len(obj)
	if keyCount == 0 {
		// empty config enables the plugin globally
		if err := parse(config, &m.globalConfig); err != nil {
			return ferrors.Wrap(err, ferrors.KindConfig, "parse global config")
		}
		m.hasGlobalConfig = true
		return nil
	}

	var rules []gjson.Result
	rulesJSON, hasRules := obj[RulesKey]
	if hasRules {
		if !rulesJSON.IsArray() {
			return ferrors.New(ferrors.KindConfig, "%s must be an array, got %s", RulesKey, rulesJSON.Type)
		}
		rules = rulesJSON.Array()
		keyCount--
	}

	var globalErr error
	if keyCount > 0 {
		globalJSON := config
		if hasRules {
			raw, err := sjson.Delete(config.Raw, RulesKey)
			if err != nil {
				return ferrors.Wrap(err, ferrors.KindConfig, "strip rules from global config")
			}
			globalJSON = gjson.Parse(raw)
		}
		var global C
		if err := parse(globalJSON, &global); err != nil {
			globalErr = err
		} else {
			m.globalConfig = global
			m.hasGlobalConfig = true
		}
	}

	if len(rules) == 0 {
		if m.hasGlobalConfig {
			return nil
		}
		if globalErr != nil {
			return ferrors.Wrap(globalErr, ferrors.KindConfig, "no valid rules and global config failed to parse")
		}
		return ferrors.New(ferrors.KindConfig, "no valid rules and no global config")
	}

	parsed := make([]RuleConfig[C], 0, len(rules))
	for i, ruleJSON := range rules {
		rule, err := m.parseRule(ruleJSON, parse, parseOverride)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		parsed = append(parsed, rule)
	}
	m.ruleConfig = parsed
	return nil
}

func (m *RuleMatcher[C]) parseRule(ruleJSON gjson.Result,
	parse func(gjson.Result, *C) error,
	parseOverride func(gjson.Result, C, *C) error) (RuleConfig[C], error) {
	var rule RuleConfig[C]
	if !ruleJSON.IsObject() {
		return rule, ferrors.New(ferrors.KindConfig, "rule must be a JSON object, got %s", ruleJSON.Type)
	}

	routes, err := stringList(ruleJSON, MatchRouteKey)
	if err != nil {
		return rule, err
	}
	domains, err := stringList(ruleJSON, MatchDomainKey)
	if err != nil {
		return rule, err
	}
	services, err := stringList(ruleJSON, MatchServiceKey)
	if err != nil {
		return rule, err
	}
	prefixes, err := stringList(ruleJSON, MatchRoutePrefixKey)
	if err != nil {
		return rule, err
	}

	present := 0
	for _, l := range [][]string{routes, domains, services, prefixes} {
		if len(l) > 0 {
			present++
		}
	}
	if present != 1 {
		return rule, ferrors.New(ferrors.KindConfig,
			"exactly one of %s, %s, %s, %s must be set, found %d",
			MatchRouteKey, MatchDomainKey, MatchServiceKey, MatchRoutePrefixKey, present)
	}

	switch {
	case len(routes) > 0:
		rule.category = Route
		rule.routes = toSet(routes)
	case len(domains) > 0:
		rule.category = Host
		rule.hosts = make([]HostMatcher, 0, len(domains))
		for _, d := range domains {
			rule.hosts = append(rule.hosts, newHostMatcher(d))
		}
	case len(services) > 0:
		rule.category = Service
		rule.services = toSet(services)
	default:
		rule.category = RoutePrefix
		rule.routePrefixes = prefixes
	}

	raw := ruleJSON.Raw
	for _, k := range matchKeys {
		if raw, err = sjson.Delete(raw, k); err != nil {
			return rule, ferrors.Wrap(err, ferrors.KindConfig, "strip match keys")
		}
	}
	payload := gjson.Parse(raw)

	if parseOverride != nil {
		err = parseOverride(payload, m.globalConfig, &rule.config)
	} else {
		err = parse(payload, &rule.config)
	}
	if err != nil {
		return rule, ferrors.Wrap(err, ferrors.KindConfig, "parse rule config")
	}
	return rule, nil
}

// stringList reads an optional array of strings, skipping empty entries.
func stringList(obj gjson.Result, key string) ([]string, error) {
	v := obj.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, ferrors.New(ferrors.KindConfig, "%s must be an array of strings, got %s", key, v.Type)
	}
	var out []string
	for _, item := range v.Array() {
		if item.Type != gjson.String {
			return nil, ferrors.New(ferrors.KindConfig, "%s entries must be strings, got %s", key, item.Type)
		}
		if item.Str != "" {
			out = append(out, item.Str)
		}
	}
	return out, nil
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// GetMatchConfig returns the config of the first rule matching req, the
// global config when none does, or nil when neither exists.
func (m *RuleMatcher[C]) GetMatchConfig(req Request) (*C, error) {
	_, config, err := m.Lookup(req)
	return config, err
}

// Lookup resolves req like GetMatchConfig and also reports the index of the
// matching rule in Rules(), or -1 when the global config (or nothing) applies.
func (m *RuleMatcher[C]) Lookup(req Request) (int, *C, error) {
	reqHost, err := req.GetHttpRequestHeader(":authority")
	if err != nil {
		return -1, nil, ferrors.Wrap(err, ferrors.KindResolution, "read :authority")
	}
	if reqHost == "" {
		return -1, nil, ferrors.New(ferrors.KindResolution, "empty :authority")
	}
	routeName, err := optionalProperty(req, "route_name")
	if err != nil {
		return -1, nil, err
	}
	serviceName, err := optionalProperty(req, "cluster_name")
	if err != nil {
		return -1, nil, err
	}

	for i := range m.ruleConfig {
		rule := &m.ruleConfig[i]
		if rule.matches(reqHost, routeName, serviceName) {
			return i, &rule.config, nil
		}
	}
	if m.hasGlobalConfig {
		return -1, &m.globalConfig, nil
	}
	return -1, nil, nil
}

func optionalProperty(req Request, name string) (string, error) {
	v, err := req.GetProperty(name)
	if err != nil {
		if errors.Is(err, host.ErrNotFound) {
			return "", nil
		}
		return "", ferrors.Wrap(err, ferrors.KindResolution, "read property "+name)
	}
	return string(v), nil
}

func (r *RuleConfig[C]) matches(reqHost, routeName, serviceName string) bool {
	switch r.category {
	case Host:
		return hostMatch(r.hosts, reqHost)
	case Route:
		_, ok := r.routes[routeName]
		return ok
	case RoutePrefix:
		for _, p := range r.routePrefixes {
			if strings.HasPrefix(routeName, p) {
				return true
			}
		}
	case Service:
		return serviceMatch(r.services, serviceName)
	}
	return false
}

func hostMatch(matchers []HostMatcher, reqHost string) bool {
	reqHost = stripPortFromHost(reqHost)
	for _, hm := range matchers {
		if hm.match(reqHost) {
			return true
		}
	}
	return false
}

// stripPortFromHost drops a trailing ":port", leaving IPv6 literals intact.
func stripPortFromHost(reqHost string) string {
	portStart := strings.LastIndexByte(reqHost, ':')
	if portStart == -1 {
		return reqHost
	}
	v6End := strings.LastIndexByte(reqHost, ']')
	if v6End == -1 || v6End < portStart {
		return reqHost[:portStart]
	}
	return reqHost
}

// serviceMatch compares a "direction|port|version|fqdn" identifier against
// entries of the form "fqdn" or "fqdn:port".
func serviceMatch(services map[string]struct{}, serviceName string) bool {
	parts := strings.Split(serviceName, "|")
	if len(parts) != 4 {
		return false
	}
	port, fqdn := parts[1], parts[3]
	for configured := range services {
		if i := strings.LastIndexByte(configured, ':'); i != -1 &&
			configured[:i] == fqdn && configured[i+1:] == port {
			return true
		}
		if configured == fqdn {
			return true
		}
	}
	return false
}
