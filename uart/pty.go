package uart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// runPTY serves a pseudo-terminal, the host stand-in for the modem's UART.
// The controller opens the terminal side; the server reads the master.
func (s *Server) runPTY(ctx context.Context) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("uart: open pty: %w", err)
	}
	defer tty.Close()

	// No line discipline: the controller sees exactly what the server writes.
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = ptmx.Close()
		return fmt.Errorf("uart: raw mode: %w", err)
	}

	path := tty.Name()
	if s.cfg.Link != "" {
		_ = os.Remove(s.cfg.Link)
		if err := os.Symlink(path, s.cfg.Link); err != nil {
			_ = ptmx.Close()
			return fmt.Errorf("uart: link pty: %w", err)
		}
		defer os.Remove(s.cfg.Link)
	}
	s.log.Info("serving on pty", zap.String("device", path), zap.String("link", s.cfg.Link))

	stop := context.AfterFunc(ctx, func() { _ = ptmx.Close() })
	defer stop()
	defer ptmx.Close()

	err = s.Serve(ctx, ptmx, ptmx)
	// The master reports EIO once every terminal-side handle is gone.
	if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
