package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg. A file sink that cannot be opened is
// reported on stderr and skipped; the console keeps working.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the level and sinks. The log file is kept open when its path
// is unchanged. On error the remaining sinks are still installed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var (
		writers []io.Writer
		fileErr error
	)
	if cfg.Console {
		writers = append(writers, s.consoleSink(cfg))
	}
	if cfg.File.Enabled {
		if f, err := s.openFile(cfg.filePath()); err != nil {
			fileErr = err
		} else {
			writers = append(writers, zerolog.SyncWriter(f))
		}
	} else {
		s.closeFile()
	}
	if len(writers) == 0 {
		writers = append(writers, s.consoleSink(cfg))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(levelOr(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
	return fileErr
}

func (s *Service) consoleSink(cfg Config) io.Writer {
	if cfg.JSON {
		return os.Stdout
	}
	return newConsoleWriter(os.Stdout)
}

// openFile must be called with s.mu held.
func (s *Service) openFile(path string) (*os.File, error) {
	if s.file != nil && s.filePath == path {
		return s.file, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.closeFile()
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.closeFile()
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	s.closeFile()
	s.file, s.filePath = f, path
	return f, nil
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
}

// Close releases the log file. Loggers fall back to the console afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	zl := zerolog.New(s.consoleSink(s.cfg)).Level(levelOr(s.cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
	return err
}
