// Package uart carries AT commands between a controller and an Executor.
//
// The channel is line oriented: a command ends at CR or LF, runs to
// completion, and its responses are flushed before the next line is read.
package uart

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
)

// MaxLineLength bounds one command line.
const MaxLineLength = 4096

// Mode selects the channel.
type Mode string

const (
	ModeStdio Mode = "stdio"
	ModePTY   Mode = "pty"
	ModeTCP   Mode = "tcp"
)

// Executor runs one command line and writes its responses to w.
type Executor interface {
	Execute(ctx context.Context, line string, w io.Writer) error
}

// Config configures a Server.
type Config struct {
	Mode Mode
	// Listen is the TCP address for ModeTCP.
	Listen string
	// Link, when set in ModePTY, is a symlink created to the PTY device.
	Link string
	// Echo writes each received line back before its responses.
	Echo bool
}

// Server reads commands from the configured channel.
type Server struct {
	exec Executor
	log  *zap.Logger
	cfg  Config
}

// New creates a server.
func New(exec Executor, cfg Config) (*Server, error) {
	switch cfg.Mode {
	case ModeStdio, ModePTY:
	case ModeTCP:
		if cfg.Listen == "" {
			return nil, fmt.Errorf("uart: tcp mode requires a listen address")
		}
	default:
		return nil, fmt.Errorf("uart: unknown mode %q", cfg.Mode)
	}
	return &Server{exec: exec, cfg: cfg, log: Logger()}, nil
}

// Run serves the configured channel until ctx is canceled or the channel
// reaches end of input.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Mode {
	case ModePTY:
		return s.runPTY(ctx)
	case ModeTCP:
		ln, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("uart: listen: %w", err)
		}
		return s.ServeListener(ctx, ln)
	default:
		s.log.Info("serving on stdio")
		return s.Serve(ctx, os.Stdin, os.Stdout)
	}
}

// ServeListener serves one client connection at a time from ln. ln is
// closed when ctx is canceled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	s.log.Info("serving on tcp", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("uart: accept: %w", err)
		}

		s.log.Info("controller connected", zap.Stringer("remote", conn.RemoteAddr()))
		err = s.serveConn(ctx, conn)
		s.log.Info("controller disconnected", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	return s.Serve(ctx, conn, conn)
}

// Serve runs the command loop over r and w. It returns nil at end of input.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256), MaxLineLength)
	sc.Split(scanCommands)
	bw := bufio.NewWriter(w)

	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if s.cfg.Echo {
			_, _ = bw.WriteString(line + "\r\n")
		}
		if err := s.exec.Execute(ctx, line, bw); err != nil {
			return fmt.Errorf("uart: write response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("uart: write response: %w", err)
		}
	}

	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("uart: read: %w", err)
	}
	return nil
}

// scanCommands splits input at CR or LF.
func scanCommands(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
