package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is agent.yaml.
type AgentConfig struct {
	Mode       string `yaml:"mode"`
	ProviderID string `yaml:"provider_id"`
	UserID     string `yaml:"user_id"`
	Exchange   string `yaml:"exchange"`
	Product    string `yaml:"product"`

	Relay struct {
		URL               string        `yaml:"url"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MinBackoff        time.Duration `yaml:"min_backoff"`
		MaxBackoff        time.Duration `yaml:"max_backoff"`
		// APIKey is normally left empty and read from RELAY_API_KEY.
		APIKey string `yaml:"api_key"`
	} `yaml:"relay"`

	Budget struct {
		Total  int `yaml:"total"`
		Buffer int `yaml:"buffer"`
	} `yaml:"budget"`

	Scan struct {
		MaxBatch     int           `yaml:"max_batch"`
		SettleWindow time.Duration `yaml:"settle_window"`
		Deadline     time.Duration `yaml:"deadline"`
	} `yaml:"scan"`

	Engine struct {
		EvalInterval time.Duration `yaml:"eval_interval"`
	} `yaml:"engine"`

	Orders struct {
		MaxInFlight int           `yaml:"max_in_flight"`
		AckTimeout  time.Duration `yaml:"ack_timeout"`
	} `yaml:"orders"`

	Connection struct {
		StaleAfter          time.Duration `yaml:"stale_after"`
		ResubscribeAttempts int           `yaml:"resubscribe_attempts"`
		ResubscribeBackoff  time.Duration `yaml:"resubscribe_backoff"`
	} `yaml:"connection"`

	OutboxSize int `yaml:"outbox_size"`

	// Tokens maps "EXCHANGE:SYMBOL" keys to Kite instrument tokens (LIVE mode).
	Tokens map[string]uint32 `yaml:"tokens"`

	Paper struct {
		Prices       map[string]float64 `yaml:"prices"`
		TickInterval time.Duration      `yaml:"tick_interval"`
		AckDelay     time.Duration      `yaml:"ack_delay"`
	} `yaml:"paper"`
}

func (c *AgentConfig) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.ProviderID == "" || c.UserID == "" {
		return errors.New("provider_id and user_id are required")
	}
	if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		return fmt.Errorf("relay.url must be a ws:// or wss:// URL, got '%s'", c.Relay.URL)
	}
	if c.Budget.Total <= 0 {
		return fmt.Errorf("budget.total must be positive, got %d", c.Budget.Total)
	}
	if c.Budget.Buffer < 0 || c.Budget.Buffer >= c.Budget.Total {
		return fmt.Errorf("budget.buffer must be in [0, %d), got %d", c.Budget.Total, c.Budget.Buffer)
	}
	if c.Scan.SettleWindow > c.Scan.Deadline {
		return fmt.Errorf("scan.settle_window (%s) exceeds scan.deadline (%s)", c.Scan.SettleWindow, c.Scan.Deadline)
	}
	if c.Orders.MaxInFlight <= 0 {
		return fmt.Errorf("orders.max_in_flight must be positive, got %d", c.Orders.MaxInFlight)
	}
	return nil
}

// LoadAgentConfig reads agent.yaml, fills defaults and pulls secrets from
// the environment.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	var c AgentConfig
	if err := readYAML(path, &c); err != nil {
		return nil, err
	}

	if c.Mode == "" {
		c.Mode = "DRY_RUN"
	}
	if c.Exchange == "" {
		c.Exchange = "NSE"
	}
	if c.Product == "" {
		c.Product = "MIS"
	}
	if c.Budget.Total == 0 {
		c.Budget.Total = 3000
	}
	if c.Budget.Buffer == 0 {
		c.Budget.Buffer = 100
	}
	if c.Scan.MaxBatch == 0 {
		c.Scan.MaxBatch = 100
	}
	if c.Scan.SettleWindow == 0 {
		c.Scan.SettleWindow = 2 * time.Second
	}
	if c.Scan.Deadline == 0 {
		c.Scan.Deadline = 30 * time.Second
	}
	if c.Engine.EvalInterval == 0 {
		c.Engine.EvalInterval = 100 * time.Millisecond
	}
	if c.Orders.MaxInFlight == 0 {
		c.Orders.MaxInFlight = 10
	}
	if c.Orders.AckTimeout == 0 {
		c.Orders.AckTimeout = 10 * time.Second
	}
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		c.Relay.APIKey = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

// KiteCredentials returns the Kite API key and access token from the environment.
func KiteCredentials() (apiKey, accessToken string) {
	return os.Getenv("KITE_API_KEY"), os.Getenv("KITE_ACCESS_TOKEN")
}

// RelayConfig is relay.yaml.
type RelayConfig struct {
	Addr string `yaml:"addr"`
	// APIKeys maps user id to that user's agent key. Values are expanded
	// from the environment, so "${ALICE_RELAY_KEY}" keeps secrets out of the file.
	APIKeys map[string]string `yaml:"api_keys"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	EventSweepInterval time.Duration `yaml:"event_sweep_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	EventBuffer        int           `yaml:"event_buffer"`
}

func (c *RelayConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if len(c.APIKeys) == 0 {
		return errors.New("api_keys cannot be empty")
	}
	for user, key := range c.APIKeys {
		if key == "" {
			return fmt.Errorf("api key for user '%s' is empty", user)
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout (%s) must exceed heartbeat_interval (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}

func LoadRelayConfig(path string) (*RelayConfig, error) {
	var c RelayConfig
	if err := readYAML(path, &c); err != nil {
		return nil, err
	}

	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.EventSweepInterval == 0 {
		c.EventSweepInterval = 60 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 500
	}
	for user, key := range c.APIKeys {
		c.APIKeys[user] = os.ExpandEnv(key)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func readYAML(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
