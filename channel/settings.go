package channel

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/maxpert/livesync/cfg"
)

// Settings tunes a Channel
type Settings struct {
	Header              http.Header // Sent with the upgrade request
	Binary              bool        // Write binary frames instead of text frames
	HandshakeTimeout    time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	PingInterval        time.Duration
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64
	QueueSize           int // Buffered events between the reader and the dispatcher
}

// DefaultSettings returns settings matching the default configuration
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout:    5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		PingInterval:        20 * time.Second,
		ReconnectInitial:    250 * time.Millisecond,
		ReconnectMax:        30 * time.Second,
		ReconnectMultiplier: 2.0,
		QueueSize:           256,
	}
}

// SettingsFromConfig builds Settings from the socket section of the configuration
func SettingsFromConfig(conf *cfg.Configuration) Settings {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	s := Settings{
		Binary:              conf.Socket.Codec == cfg.CodecMsgpack,
		HandshakeTimeout:    ms(conf.Socket.HandshakeTimeoutMS),
		WriteTimeout:        ms(conf.Socket.WriteTimeoutMS),
		ReadTimeout:         ms(conf.Socket.ReadTimeoutMS),
		PingInterval:        ms(conf.Socket.PingIntervalMS),
		ReconnectInitial:    ms(conf.Socket.ReconnectInitialMS),
		ReconnectMax:        ms(conf.Socket.ReconnectMaxMS),
		ReconnectMultiplier: conf.Socket.ReconnectMultiplier,
		QueueSize:           conf.Socket.DispatchQueueSize,
	}

	if conf.Server.Token != "" {
		s.Header = http.Header{}
		s.Header.Set("Authorization", "Bearer "+conf.Server.Token)
	}

	return s
}

// SocketURL appends the client query parameter to a socket URL
func SocketURL(base, clientID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid socket url %q: %w", base, err)
	}
	if clientID == "" {
		return u.String(), nil
	}

	q := u.Query()
	q.Set("client", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// nextBackoff grows a reconnect delay by the multiplier, capped at max
func nextBackoff(current time.Duration, s Settings) time.Duration {
	next := time.Duration(float64(current) * s.ReconnectMultiplier)
	if next > s.ReconnectMax {
		next = s.ReconnectMax
	}
	if next <= 0 {
		next = s.ReconnectInitial
	}
	return next
}
