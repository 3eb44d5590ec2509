// Package dataplane holds cross-cutting logging for the peer-to-peer data
// plane: the NAT ladder, the secured and relay transports, and the piece
// scheduler. Everything here is a thin tagging layer over the standard
// logger.
package dataplane

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dataplaneLogger writes data-plane log messages to both the main log and a
// dedicated file, so NAT traversal / transport issues can be diagnosed from
// a single file without wading through the rest of process output.
var dataplaneLogger struct {
	mu       sync.Mutex
	file     *os.File
	logger   *log.Logger
	initOnce sync.Once
}

// InitLog opens the dedicated data-plane log file at <logDir>/dataplane.log.
// Safe to call multiple times; only the first call takes effect.
func InitLog(logDir string) {
	dataplaneLogger.initOnce.Do(func() {
		logPath := filepath.Join(logDir, "dataplane.log")

		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[dataplane] WARNING: could not open dataplane log file %s: %v (logs will only go to main log)", logPath, err)
			return
		}

		dataplaneLogger.file = f
		dataplaneLogger.logger = log.New(f, "", 0)
		log.Printf("[dataplane] dataplane log file initialized: %s", logPath)
	})
}

// Log writes a message to both the main log and the dataplane log file.
func Log(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	log.Print(msg)

	dataplaneLogger.mu.Lock()
	if dataplaneLogger.logger != nil {
		timestamp := time.Now().Format("2006/01/02 15:04:05")
		dataplaneLogger.logger.Printf("%s %s", timestamp, msg)
	}
	dataplaneLogger.mu.Unlock()
}

// Close closes the dataplane log file.
func Close() {
	dataplaneLogger.mu.Lock()
	defer dataplaneLogger.mu.Unlock()
	if dataplaneLogger.file != nil {
		dataplaneLogger.file.Close()
		dataplaneLogger.file = nil
		dataplaneLogger.logger = nil
	}
}
