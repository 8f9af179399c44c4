// Package syncchan maintains the device-to-device sync channel: a persistent
// websocket that registers this device's identity and emits heartbeats.
// Peripheral to the provisioning engine; specified only at its boundary.
package syncchan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/config"
)

// Frame is the wire format for both directions of the channel.
type Frame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

const (
	frameRegister    = "register"
	frameHeartbeat   = "heartbeat"
	frameAuthFailure = "auth_failure"
)

// Channel owns one sync connection lifecycle: connect, register, heartbeat,
// reconnect with backoff on transport failure. An auth-failure frame tears
// the connection down and blocks until new credentials arrive instead of
// retrying blindly.
type Channel struct {
	cfg    config.SyncConfig
	logger *zap.Logger

	mu      sync.Mutex
	token   string
	renewed chan struct{}
}

// New builds a channel with initial credentials.
func New(cfg config.SyncConfig, token string, logger *zap.Logger) *Channel {
	return &Channel{
		cfg:     cfg,
		logger:  logger.Named("syncchan"),
		token:   token,
		renewed: make(chan struct{}, 1),
	}
}

// SetCredentials installs a new token and unblocks a channel waiting after an
// authentication failure.
func (c *Channel) SetCredentials(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	select {
	case c.renewed <- struct{}{}:
	default:
	}
}

// Run maintains the connection until the context ends.
func (c *Channel) Run(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Info("Sync channel disabled.")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.session(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == errAuthFailure:
			c.logger.Warn("Authentication rejected, waiting for new credentials.")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.renewed:
				bo.Reset()
				continue
			}
		default:
			wait := bo.NextBackOff()
			c.logger.Warn("Sync connection lost, reconnecting.",
				zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

var errAuthFailure = fmt.Errorf("sync channel authentication failed")

// session runs one connection from dial to disconnect.
func (c *Channel) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if err := conn.WriteJSON(Frame{
		Type:      frameRegister,
		DeviceID:  c.cfg.DeviceID,
		Token:     token,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("registering device: %w", err)
	}
	c.logger.Info("Device registered on sync channel.",
		zap.String("deviceID", c.cfg.DeviceID))

	// Reader: surfaces auth failures and transport errors.
	readErr := make(chan error, 1)
	go func() {
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				readErr <- err
				return
			}
			if frame.Type == frameAuthFailure {
				c.logger.Warn("Auth-failure frame received.",
					zap.String("reason", frame.Reason))
				readErr <- errAuthFailure
				return
			}
		}
	}()

	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := conn.WriteJSON(Frame{
				Type:      frameHeartbeat,
				DeviceID:  c.cfg.DeviceID,
				Timestamp: time.Now().Unix(),
			}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}
