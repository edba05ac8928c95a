package security

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRequestBlocksKnownAgents(t *testing.T) {
	c := New(nil)

	blocked := []string{
		"Googlebot/2.1",
		"my-crawler 1.0",
		"spider-fetch",
		"data-scraper/3",
		"curl/8.4.0",
		"Wget/1.21",
		"python-requests/2.31",
	}
	for _, ua := range blocked {
		r := httptest.NewRequest("POST", "/api/license", nil)
		r.Header.Set("User-Agent", ua)
		v := c.CheckRequest(r)
		require.NotNil(t, v, "agent %q should be blocked", ua)
		assert.Equal(t, ViolationBlockedAgent, v.Kind)
	}
}

func TestCheckRequestRejectsEmptyAgent(t *testing.T) {
	c := New(nil)
	r := httptest.NewRequest("POST", "/api/license", nil)
	r.Header.Set("User-Agent", "")

	v := c.CheckRequest(r)
	require.NotNil(t, v)
	assert.Equal(t, ViolationBlockedAgent, v.Kind)
}

func TestCheckRequestAllowsBrowserAgent(t *testing.T) {
	c := New([]string{"Content-Type"})
	r := httptest.NewRequest("POST", "/api/license", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")
	r.Header.Set("Content-Type", "application/json")

	assert.Nil(t, c.CheckRequest(r))
}

func TestCheckRequestRequiresHeaders(t *testing.T) {
	c := New([]string{"Content-Type", "X-Client-Info"})
	r := httptest.NewRequest("POST", "/api/license", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Content-Type", "application/json")

	v := c.CheckRequest(r)
	require.NotNil(t, v)
	assert.Equal(t, ViolationMissingHeader, v.Kind)
	assert.Equal(t, "X-Client-Info", v.Field)
}

func TestCheckFieldsDetectsSQLInjection(t *testing.T) {
	c := New(nil)

	inputs := []string{
		"' OR '1'='1",
		"x UNION SELECT password FROM users",
		"key'; DROP TABLE licenses; --",
		"SELECT key FROM licenses",
	}
	for _, in := range inputs {
		v := c.CheckFields(map[string]string{"license_key": in})
		require.NotNil(t, v, "input %q should be rejected", in)
		assert.Equal(t, ViolationSQLInjection, v.Kind)
		assert.Equal(t, "license_key", v.Field)
	}
}

func TestCheckFieldsDetectsXSS(t *testing.T) {
	c := New(nil)

	inputs := []string{
		"<script>alert(1)</script>",
		"javascript:alert(document.cookie)",
		`<img src=x onerror=alert(1)>`,
		"<iframe src='//evil'>",
	}
	for _, in := range inputs {
		v := c.CheckFields(map[string]string{"device_name": in})
		require.NotNil(t, v, "input %q should be rejected", in)
		assert.Equal(t, ViolationXSS, v.Kind)
	}
}

func TestCheckFieldsDetectsPathTraversal(t *testing.T) {
	c := New(nil)

	inputs := []string{
		"../../etc/passwd",
		`..\..\windows\system32`,
		"%2e%2e%2fconfig",
	}
	for _, in := range inputs {
		v := c.CheckFields(map[string]string{"device_name": in})
		require.NotNil(t, v, "input %q should be rejected", in)
		assert.Equal(t, ViolationPathTraversal, v.Kind)
	}
}

func TestCheckFieldsRejectsOversizedInput(t *testing.T) {
	c := New(nil)

	v := c.CheckFields(map[string]string{"license_key": strings.Repeat("A", 600)})
	require.NotNil(t, v)
	assert.Equal(t, ViolationOversizedField, v.Kind)
}

func TestCheckFieldsAllowsNormalValues(t *testing.T) {
	c := New(nil)

	assert.Nil(t, c.CheckFields(map[string]string{
		"license_key": "LG-2026-ABCD-EF01",
		"fingerprint": "b3f1c9a2e4d5f6a7",
		"device_name": "Workshop Front Desk",
	}))
	assert.Nil(t, c.CheckFields(map[string]string{"empty": ""}))
}

func TestViolationString(t *testing.T) {
	assert.Equal(t, "blocked_user_agent", Violation{Kind: ViolationBlockedAgent}.String())
	assert.Equal(t, "sql_injection:license_key",
		Violation{Kind: ViolationSQLInjection, Field: "license_key"}.String())
}
