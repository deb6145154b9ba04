package evi

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL          = "wss://api.hume.ai/v0/evi/chat"
	defaultSendQueueSize    = 64
	defaultSendTimeout      = 250 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second

	// Apple audio hardware captures at 48kHz, most other hosts at 44.1kHz.
	appleSampleRate   = 48000
	genericSampleRate = 44100
)

// OverflowPolicy decides what happens to outbound audio when the send queue is full
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest queued chunk to make room
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowBlock waits up to SendTimeout for room, then drops the new chunk
	OverflowBlock OverflowPolicy = "block"
)

// Config holds configuration for a voice Session.
// Required fields:
// - APIKey: the voice service API key
// - ConfigID: the voice service configuration identifier
// Optional fields with defaults:
// - BaseURL: the WebSocket endpoint (default: "wss://api.hume.ai/v0/evi/chat")
// - SampleRate: outbound PCM sample rate (default: 48000 on darwin/ios, 44100 elsewhere)
// - SendQueueSize: outbound audio frames buffered before overflow (default: 64)
// - OverflowPolicy: "drop_oldest" or "block" (default: "drop_oldest")
// - SendTimeout: how long "block" waits for room (default: 250ms)
// - HandshakeTimeout: WebSocket handshake timeout (default: 10s)
type Config struct {
	APIKey           string
	ConfigID         string
	BaseURL          string
	SampleRate       int
	SendQueueSize    int
	OverflowPolicy   OverflowPolicy
	SendTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// DefaultSampleRate returns the capture rate of the host platform family
func DefaultSampleRate() int {
	switch runtime.GOOS {
	case "darwin", "ios":
		return appleSampleRate
	default:
		return genericSampleRate
	}
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.APIKey == "" {
		return fmt.Errorf("voice service API key is required")
	}
	if config.ConfigID == "" {
		return fmt.Errorf("voice service config ID is required")
	}
	if config.SampleRate < 0 {
		return fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.SendQueueSize < 0 {
		return fmt.Errorf("send queue size must be positive, got %d", config.SendQueueSize)
	}
	if config.SendTimeout < 0 {
		return fmt.Errorf("send timeout must be positive, got %s", config.SendTimeout)
	}
	switch config.OverflowPolicy {
	case "", OverflowDropOldest, OverflowBlock:
	default:
		return fmt.Errorf("overflow policy must be one of: %s, %s", OverflowDropOldest, OverflowBlock)
	}
	if config.BaseURL != "" {
		u, err := url.Parse(config.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("base URL must use ws or wss, got %q", u.Scheme)
		}
	}
	return nil
}

// withDefaults fills unset optional fields, logging each default applied
func (c Config) withDefaults(logger *zap.Logger) Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
		logger.Info("Using default base URL", zap.String("baseURL", c.BaseURL))
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate()
		logger.Info("Using default sample rate", zap.Int("sampleRate", c.SampleRate))
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowDropOldest
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

// endpoint builds the connection URL carrying both credentials
func (c Config) endpoint() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("config_id", c.ConfigID)
	q.Set("api_key", c.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewConfigFromEnv creates a new Config from environment variables
func NewConfigFromEnv() Config {
	config := Config{
		APIKey:         os.Getenv("EVI_API_KEY"),
		ConfigID:       os.Getenv("EVI_CONFIG_ID"),
		BaseURL:        os.Getenv("EVI_BASE_URL"),
		OverflowPolicy: OverflowPolicy(strings.ToLower(os.Getenv("EVI_OVERFLOW_POLICY"))),
	}

	if v := os.Getenv("EVI_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			config.SampleRate = rate
		}
	}

	if v := os.Getenv("EVI_SEND_QUEUE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			config.SendQueueSize = size
		}
	}

	if v := os.Getenv("EVI_SEND_TIMEOUT"); v != "" {
		if timeout, err := time.ParseDuration(v); err == nil && timeout > 0 {
			config.SendTimeout = timeout
		}
	}

	return config
}
