package log

import (
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// MonitorConfig sets the free-space watermarks for the log directory.
// Thresholds must be ordered FatalBytes < ErrorBytes < WarnBytes.
type MonitorConfig struct {
	Dir           string
	WarnBytes     uint64
	ErrorBytes    uint64
	FatalBytes    uint64
	CheckInterval time.Duration
}

// DefaultMonitorConfig returns the stock watermarks: raise to WARN below
// 256M free, ERROR below 64M, FATAL below 4M, checked every 10s.
func DefaultMonitorConfig(dir string) MonitorConfig {
	return MonitorConfig{
		Dir:           dir,
		WarnBytes:     256 << 20,
		ErrorBytes:    64 << 20,
		FatalBytes:    4 << 20,
		CheckInterval: 10 * time.Second,
	}
}

// Monitor watches free disk space under the log directory and raises the
// global log level as watermarks are crossed, restoring the configured level
// once space recovers. The level is the only runtime-mutable logging knob.
type Monitor struct {
	cfg      MonitorConfig
	oldLevel zerolog.Level
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor that restores to the current global level.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.FatalBytes > cfg.ErrorBytes || cfg.ErrorBytes > cfg.WarnBytes {
		return nil, fmt.Errorf("invalid log monitor watermarks: fatal=%d error=%d warn=%d",
			cfg.FatalBytes, cfg.ErrorBytes, cfg.WarnBytes)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		oldLevel: zerolog.GlobalLevel(),
		logger:   WithComponent("logmonitor"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the periodic check loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) checkOnce() {
	free, err := freeBytes(m.cfg.Dir)
	if err != nil {
		m.logger.Warn().Err(err).Str("dir", m.cfg.Dir).Msg("Failed to stat log directory")
		return
	}
	m.apply(free)
}

// apply picks the level for the observed free byte count.
func (m *Monitor) apply(free uint64) {
	switch {
	case free < m.cfg.FatalBytes:
		m.raise(zerolog.FatalLevel, free, m.cfg.FatalBytes)
	case free < m.cfg.ErrorBytes:
		m.raise(zerolog.ErrorLevel, free, m.cfg.ErrorBytes)
	case free < m.cfg.WarnBytes:
		m.raise(zerolog.WarnLevel, free, m.cfg.WarnBytes)
	default:
		if zerolog.GlobalLevel() != m.oldLevel {
			m.logger.Error().Msg("Log disk space recovered, restoring log level")
			zerolog.SetGlobalLevel(m.oldLevel)
		}
	}
}

func (m *Monitor) raise(level zerolog.Level, free, bound uint64) {
	if zerolog.GlobalLevel() == level {
		return
	}
	m.logger.Error().
		Uint64("free_bytes", free).
		Uint64("watermark", bound).
		Str("level", level.String()).
		Msg("Log disk space low, raising log level")
	zerolog.SetGlobalLevel(level)
}

func freeBytes(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
