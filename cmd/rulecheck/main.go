// Command rulecheck validates a plugin configuration and reports which rule
// a described request resolves to.
//
//	rulecheck -config plugin.yaml -host api.example.com -route api-users
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/internal/config"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/matcher"
	"github.com/wudi/filterkit/wrapper"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const (
	exitOK       = 0
	exitNoConfig = 1
	exitInvalid  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// result is the -json output.
type result struct {
	Matched  string          `json:"matched"` // rule, global or none
	Index    int             `json:"index"`
	Category string          `json:"category,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rulecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to the plugin configuration (JSON or YAML)")
	reqHost := fs.String("host", "", "Request :authority; leave empty to only validate")
	route := fs.String("route", "", "route_name property of the request")
	cluster := fs.String("cluster", "", "cluster_name property of the request")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	logLevel := fs.String("log-level", "warn", "Log level")
	showVersion := fs.Bool("version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}

	if *showVersion {
		fmt.Fprintf(stdout, "rulecheck %s (built %s)\n", version, buildTime)
		return exitOK
	}
	if *configPath == "" {
		fmt.Fprintln(stderr, "rulecheck: -config is required")
		fs.Usage()
		return exitInvalid
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return exitInvalid
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	m, err := loadMatcher(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return exitInvalid
	}
	_, hasGlobal := m.GlobalConfig()
	logging.Debug("Configuration parsed",
		zap.String("config", *configPath),
		zap.Int("rules", len(m.Rules())),
		zap.Bool("global", hasGlobal),
	)

	if *reqHost == "" {
		fmt.Fprintf(stdout, "Configuration is valid: %d rules, global config: %t\n", len(m.Rules()), hasGlobal)
		return exitOK
	}

	req := &request{authority: *reqHost, props: map[string]string{}}
	if *route != "" {
		req.props["route_name"] = *route
	}
	if *cluster != "" {
		req.props["cluster_name"] = *cluster
	}

	index, payload, err := m.Lookup(req)
	if err != nil {
		fmt.Fprintf(stderr, "Resolution failed: %v\n", err)
		return exitInvalid
	}

	res := result{Matched: "none", Index: index}
	switch {
	case payload == nil:
	case index >= 0:
		res.Matched = "rule"
		res.Category = m.Rules()[index].Category().String()
		res.Config = rawConfig(*payload)
	default:
		res.Matched = "global"
		res.Config = rawConfig(*payload)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	} else {
		printResult(stdout, res)
	}
	if payload == nil {
		return exitNoConfig
	}
	return exitOK
}

// loadMatcher parses the configuration the way a filter's root context does,
// keeping each payload as raw JSON.
func loadMatcher(path string) (*matcher.RuleMatcher[string], error) {
	data, err := config.LoadPluginFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 && gjson.GetBytes(data, wrapper.PluginIDKey).Exists() {
		if data, err = sjson.DeleteBytes(data, wrapper.PluginIDKey); err != nil {
			return nil, err
		}
	}

	var m matcher.RuleMatcher[string]
	err = m.ParseRuleConfig(gjson.ParseBytes(data), func(json gjson.Result, c *string) error {
		*c = json.Raw
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func rawConfig(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func printResult(w io.Writer, res result) {
	switch res.Matched {
	case "rule":
		fmt.Fprintf(w, "matched rule %d (%s)\n", res.Index, res.Category)
	case "global":
		fmt.Fprintln(w, "matched global config")
	default:
		fmt.Fprintln(w, "no config applies; the filter is skipped")
		return
	}
	fmt.Fprintln(w, gjson.Get(string(res.Config), "@pretty").Raw)
}

// request is a described request for resolution.
type request struct {
	authority string
	props     map[string]string
}

func (r *request) GetHttpRequestHeader(key string) (string, error) {
	if key != ":authority" {
		return "", host.ErrNotFound
	}
	return r.authority, nil
}

func (r *request) GetProperty(path ...string) ([]byte, error) {
	if len(path) == 1 {
		if v, ok := r.props[path[0]]; ok {
			return []byte(v), nil
		}
	}
	return nil, host.ErrNotFound
}
