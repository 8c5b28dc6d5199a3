package proxy

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowAllPolicy(t *testing.T) *Policy {
	t.Helper()
	pattern := regexp.MustCompile(".*")
	rules := map[string]rule{
		"GET":    {allowed: true, pattern: pattern},
		"HEAD":   {allowed: true, pattern: pattern},
		"POST":   {allowed: false},
		"PUT":    {allowed: false},
		"PATCH":  {allowed: false},
		"DELETE": {allowed: false},
	}
	return &Policy{rules: rules}
}

func TestDecide_ConnectionHeaderVeto(t *testing.T) {
	p := allowAllPolicy(t)

	req := &ParsedRequest{
		Method:  "GET",
		Path:    "/anything",
		Headers: []Header{{Name: "Connection", Value: "Upgrade"}},
	}
	assert.Equal(t, Forbidden, p.Decide(req))

	// case-insensitive
	req.Headers = []Header{{Name: "CONNECTION", Value: "keep-alive"}}
	assert.Equal(t, Forbidden, p.Decide(req))
}

func TestDecide_MethodExhaustiveness(t *testing.T) {
	p := allowAllPolicy(t)

	req := &ParsedRequest{Method: "FOO", Path: "/x"}
	assert.Equal(t, BadRequest, p.Decide(req))
}

func TestDecide_AbsentMethod(t *testing.T) {
	p := allowAllPolicy(t)

	req := &ParsedRequest{Method: "", Path: "/x"}
	assert.Equal(t, MethodNotAllowed, p.Decide(req))
}

func TestDecide_AbsentPath(t *testing.T) {
	p := allowAllPolicy(t)

	req := &ParsedRequest{Method: "GET", Path: ""}
	assert.Equal(t, Forbidden, p.Decide(req))
}

func TestDecide_DisallowedMethod(t *testing.T) {
	p := allowAllPolicy(t)

	req := &ParsedRequest{Method: "POST", Path: "/x"}
	assert.Equal(t, Forbidden, p.Decide(req))
}

func TestDecide_PatternMatch(t *testing.T) {
	rules := map[string]rule{
		"GET": {allowed: true, pattern: regexp.MustCompile("^/_ping$")},
	}
	p := &Policy{rules: rules}

	assert.Equal(t, Allowed, p.Decide(&ParsedRequest{Method: "GET", Path: "/_ping"}))
	assert.Equal(t, Forbidden, p.Decide(&ParsedRequest{Method: "GET", Path: "/containers/create"}))
}

func TestDecide_IsPureAndDeterministic(t *testing.T) {
	p := allowAllPolicy(t)
	req := &ParsedRequest{Method: "GET", Path: "/foo"}

	first := p.Decide(req)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Decide(req))
	}
}

func TestLoadPolicy_CompilesRegexOnce(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	writeFile(t, path, `
[filters.get]
allowed = true
regex = "^/v[0-9.]+/(containers|images|info)(/.*)?$"

[filters.head]
allowed = false
regex = ""

[filters.post]
allowed = false
regex = ""

[filters.put]
allowed = false
regex = ""

[filters.patch]
allowed = false
regex = ""

[filters.delete]
allowed = false
regex = ""
`)

	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, Allowed, policy.Decide(&ParsedRequest{Method: "GET", Path: "/v1.40/containers/json"}))
	assert.Equal(t, Forbidden, policy.Decide(&ParsedRequest{Method: "GET", Path: "/v1.40/exec/abc/start"}))
	assert.Equal(t, Forbidden, policy.Decide(&ParsedRequest{Method: "POST", Path: "/v1.40/containers/create"}))
}

func TestLoadPolicy_InvalidRegexAbortsStartup(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	writeFile(t, path, `
[filters.get]
allowed = true
regex = "("

[filters.head]
allowed = false
regex = ""

[filters.post]
allowed = false
regex = ""

[filters.put]
allowed = false
regex = ""

[filters.patch]
allowed = false
regex = ""

[filters.delete]
allowed = false
regex = ""
`)

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GET")
}
