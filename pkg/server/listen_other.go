//go:build !linux

package server

import "log"

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(addr string) {
	log.Printf("TCP server listening on %s", addr)
}

// monitorListenOverflows waits for shutdown; overflow counters are Linux-only
func (s *Server) monitorListenOverflows() {
	<-s.shutdown
}
