package binance

import (
	"strings"
	"time"
)

const (
	defaultVenue   = "binance"
	defaultBaseURL = "https://fapi.binance.com"
	defaultTimeout = 15 * time.Second
)

// Config describes one USDT-M futures source. ProxyURL applies to both REST and websocket.
type Config struct {
	Venue    string
	BaseURL  string
	Timeout  time.Duration
	ProxyURL string
}

func (c Config) normalized() Config {
	c.Venue = strings.TrimSpace(c.Venue)
	if c.Venue == "" {
		c.Venue = defaultVenue
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	c.ProxyURL = strings.TrimSpace(c.ProxyURL)
	return c
}
