package ws

import (
	"log"
	"time"
)

// startHeartbeat runs the transport-level liveness loop: every interval it
// pings all connections and evicts those with no activity inside the
// connection timeout. Participant-level consequences of an eviction
// (status writes, queue removal) happen in the dispatcher's onDisconnect.
func (s *Server) startHeartbeat() {
	interval := s.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweepConnections()
			}
		}
	}()
}

// sweepConnections evicts stale connections and pings the rest. A
// WebSocket ping frame (opcode 0x9) is answered automatically by
// browsers, so any live client refreshes its activity timestamp.
func (s *Server) sweepConnections() {
	timeout := s.config.ConnectionTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.Seen()); idle > timeout {
			log.Printf("[ws] heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("[ws] heartbeat ping failed conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}
}
