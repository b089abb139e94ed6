//go:build linux

package server

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// overflowPollInterval is how often /proc/net/netstat is sampled
const overflowPollInterval = 10 * time.Second

// logListenBacklog logs the listen address together with the kernel's backlog limit
func logListenBacklog(addr string) {
	somaxconn := readSomaxconn()

	logger := log.WithFields(log.Fields{"addr": addr, "somaxconn": somaxconn})
	logger.Info("TCP server listening")
	if somaxconn > 0 && somaxconn < 1024 {
		logger.Warn("net.core.somaxconn is low; bursts of connections may be refused")
	}
}

func readSomaxconn() int {
	data, err := os.ReadFile("/proc/sys/net/core/somaxconn")
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// monitorListenOverflows periodically feeds kernel listen queue overflows into metrics
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(overflowPollInterval)
	defer ticker.Stop()

	last, ok := readListenOverflows()
	if !ok {
		return
	}

	for {
		select {
		case <-ticker.C:
			current, ok := readListenOverflows()
			if !ok {
				continue
			}
			if current > last {
				delta := current - last
				s.metrics.RecordListenOverflows(delta)
				log.WithFields(log.Fields{"rejected": delta, "total": current}).Warn("Connections rejected by listen backlog overflow")
			}
			last = current

		case <-s.shutdown:
			return
		}
	}
}

// readListenOverflows reads the TcpExt ListenOverflows counter from /proc/net/netstat
func readListenOverflows() (uint64, bool) {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0, false
	}
	defer file.Close()
	return parseListenOverflows(bufio.NewScanner(file))
}

// parseListenOverflows finds ListenOverflows in the TcpExt header/value line pair
func parseListenOverflows(scanner *bufio.Scanner) (uint64, bool) {
	var headers, values []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		values = fields[1:]
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			n, err := strconv.ParseUint(values[i], 10, 64)
			return n, err == nil
		}
	}
	return 0, false
}
