//go:build !linux

package server

import log "github.com/sirupsen/logrus"

// logListenBacklog logs the listen address
func logListenBacklog(addr string) {
	log.WithField("addr", addr).Info("TCP server listening")
}

// monitorListenOverflows has nothing to watch outside Linux
func (s *Server) monitorListenOverflows() {
	s.wg.Done()
}
