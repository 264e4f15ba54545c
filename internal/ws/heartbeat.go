package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after Interval before a silent client is dropped (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat runs until the server's done channel is closed, pinging
// every connection each Interval.
func (s *Server) startHeartbeat() {
	config := s.config.Heartbeat
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

// checkConnections drops connections with no read within Interval + Timeout
// and sends a protocol-level ping (opcode 0x9) to the rest. Browsers answer
// pings automatically; the pong counts as activity.
func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.epoll.Snapshot() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info("heartbeat timeout",
				zap.String("connection_id", c.ID),
				zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(config.Timeout); err != nil {
			s.log.Debug("heartbeat ping failed",
				zap.String("connection_id", c.ID), zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}
