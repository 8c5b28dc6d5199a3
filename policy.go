package proxy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Decision is the outcome of evaluating a ParsedRequest against a Policy.
// It is total and disjoint: exactly one member applies to any request.
type Decision int

const (
	Allowed Decision = iota
	Forbidden
	MethodNotAllowed
	BadRequest
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Forbidden:
		return "forbidden"
	case MethodNotAllowed:
		return "method_not_allowed"
	case BadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// rule holds one method's policy: whether the method is allowed at all, and
// (only when allowed) the compiled path pattern it must match.
type rule struct {
	allowed bool
	pattern *regexp.Regexp
}

// Policy is the immutable, compiled form of the six-method filter table. It
// is built once at startup and shared read-only across every connection;
// Decide never mutates it and never performs I/O.
type Policy struct {
	rules map[string]rule
}

// RawRule is the TOML shape of one method's filter entry.
type RawRule struct {
	Allowed bool   `toml:"allowed"`
	Regex   string `toml:"regex"`
}

// RawConfig is the decoded shape of the [filters] TOML table.
type RawConfig struct {
	Filters struct {
		Get    RawRule `toml:"get"`
		Head   RawRule `toml:"head"`
		Post   RawRule `toml:"post"`
		Put    RawRule `toml:"put"`
		Patch  RawRule `toml:"patch"`
		Delete RawRule `toml:"delete"`
	} `toml:"filters"`
}

// LoadPolicy reads and validates the TOML config at path, compiling every
// allowed method's regex exactly once. A compile failure aborts with an
// error naming the offending method, and the process must not start.
func LoadPolicy(path string) (*Policy, error) {
	var raw RawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	entries := map[string]RawRule{
		"GET":    raw.Filters.Get,
		"HEAD":   raw.Filters.Head,
		"POST":   raw.Filters.Post,
		"PUT":    raw.Filters.Put,
		"PATCH":  raw.Filters.Patch,
		"DELETE": raw.Filters.Delete,
	}

	rules := make(map[string]rule, len(entries))
	for method, entry := range entries {
		r := rule{allowed: entry.Allowed}
		if entry.Allowed {
			pattern, err := regexp.Compile(entry.Regex)
			if err != nil {
				return nil, fmt.Errorf("[%s] invalid regex %q: %w", method, entry.Regex, err)
			}
			r.pattern = pattern
		}
		rules[method] = r
	}

	return &Policy{rules: rules}, nil
}

// Decide evaluates req against p in the fixed order spec.md §4.B mandates:
// connection-header veto, absent method, absent path, unknown method,
// disallowed method, then pattern match. It is pure, total, and performs no
// I/O.
func (p *Policy) Decide(req *ParsedRequest) Decision {
	if hasConnectionHeader(req.Headers) {
		return Forbidden
	}

	if req.Method == "" {
		return MethodNotAllowed
	}

	if req.Path == "" {
		return Forbidden
	}

	r, ok := p.rules[req.Method]
	if !ok {
		return BadRequest
	}

	if !r.allowed {
		return Forbidden
	}

	if r.pattern.MatchString(req.Path) {
		return Allowed
	}

	return Forbidden
}

func hasConnectionHeader(headers []Header) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "connection") {
			return true
		}
	}
	return false
}
