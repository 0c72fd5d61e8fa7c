package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "from-env")
	p := writeFile(t, `
provider_id: desk-1
user_id: alice
relay:
  url: ws://localhost:8080/ws/agent
  heartbeat_interval: 5s
scan:
  settle_window: 500ms
tokens:
  NSE:INFY: 408065
`)

	c, err := LoadAgentConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "DRY_RUN", c.Mode)
	assert.Equal(t, "NSE", c.Exchange)
	assert.Equal(t, 3000, c.Budget.Total)
	assert.Equal(t, 100, c.Budget.Buffer)
	assert.Equal(t, 5*time.Second, c.Relay.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, c.Scan.SettleWindow)
	assert.Equal(t, 30*time.Second, c.Scan.Deadline)
	assert.Equal(t, "from-env", c.Relay.APIKey)
	assert.Equal(t, uint32(408065), c.Tokens["NSE:INFY"])
}

func TestLoadAgentConfigValidation(t *testing.T) {
	cases := map[string]string{
		"bad mode": `
mode: PAPER
provider_id: p
user_id: u
relay: {url: ws://x}`,
		"missing ids": `
relay: {url: ws://x}`,
		"http url": `
provider_id: p
user_id: u
relay: {url: http://x}`,
		"buffer too large": `
provider_id: p
user_id: u
relay: {url: ws://x}
budget: {total: 50, buffer: 50}`,
		"settle beyond deadline": `
provider_id: p
user_id: u
relay: {url: ws://x}
scan: {settle_window: 5s, deadline: 1s}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadAgentConfig(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRelayConfig(t *testing.T) {
	t.Setenv("ALICE_KEY", "s3cret")
	p := writeFile(t, `
addr: ":9090"
api_keys:
  alice: ${ALICE_KEY}
  bob: plain
`)

	c, err := LoadRelayConfig(p)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.Addr)
	assert.Equal(t, "s3cret", c.APIKeys["alice"])
	assert.Equal(t, "plain", c.APIKeys["bob"])
	assert.Equal(t, 30*time.Second, c.HeartbeatTimeout)
	assert.Equal(t, 500, c.EventBuffer)

	_, err = LoadRelayConfig(writeFile(t, "api_keys:\n  carol: ${UNSET_KEY_FOR_TEST}\n"))
	assert.ErrorContains(t, err, "carol")

	_, err = LoadRelayConfig(writeFile(t, "addr: \":1\"\n"))
	assert.Error(t, err)

	_, err = LoadAgentConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
