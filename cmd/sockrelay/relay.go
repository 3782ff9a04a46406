package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/atcmd"
	"github.com/wippyai/sockrelay/config"
	"github.com/wippyai/sockrelay/hoststack"
	"github.com/wippyai/sockrelay/keystore"
	"github.com/wippyai/sockrelay/logging"
	"github.com/wippyai/sockrelay/netinfo"
	"github.com/wippyai/sockrelay/resolver"
	"github.com/wippyai/sockrelay/socket"
	"github.com/wippyai/sockrelay/uart"
)

// relay is one command session wired to the host stack.
type relay struct {
	log        *zap.Logger
	store      *keystore.Store
	watcher    *keystore.Watcher
	stack      *hoststack.Stack
	dispatcher *atcmd.Dispatcher
}

// setupLogging builds the process logger and hands it to every package
// that logs.
func setupLogging(c config.LogConfig) (*zap.Logger, error) {
	log, err := logging.Setup(c)
	if err != nil {
		return nil, err
	}
	socket.SetLogger(log.Named("socket"))
	hoststack.SetLogger(log.Named("hoststack"))
	atcmd.SetLogger(log.Named("atcmd"))
	uart.SetLogger(log.Named("uart"))
	return log, nil
}

func newRelay(cfg *config.Config, log *zap.Logger) (*relay, error) {
	r := &relay{log: log}
	r.store = keystore.New(cfg.Keystore.Dir, log)

	if cfg.Keystore.Watch {
		if _, err := os.Stat(cfg.Keystore.Dir); err == nil {
			w, err := r.store.Watch(func(tag uint32, err error) {
				if err != nil {
					log.Warn("Keystore: reload failed", zap.Uint32("sec_tag", tag), zap.Error(err))
					return
				}
				log.Info("Keystore: credential reloaded", zap.Uint32("sec_tag", tag))
			})
			if err != nil {
				return nil, fmt.Errorf("watch keystore: %w", err)
			}
			r.watcher = w
		} else {
			log.Warn("Keystore: directory not watched", zap.String("dir", cfg.Keystore.Dir), zap.Error(err))
		}
	}

	ni, err := netinfo.New(netinfo.Config{
		Interfaces: cfg.NetInfo.Interfaces,
		IPv4:       cfg.NetInfo.IPv4,
		IPv6:       cfg.NetInfo.IPv6,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	res, err := resolver.New(resolver.Config{
		Servers: cfg.Resolver.Servers,
		Timeout: cfg.Resolver.Timeout,
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	r.stack = hoststack.New(hoststack.Config{
		Credentials:      r.store,
		HandshakeTimeout: cfg.Socket.HandshakeTimeout,
	})
	r.dispatcher, err = atcmd.New(socket.Config{
		Stack:      r.stack,
		Keystore:   r.store,
		NetInfo:    ni,
		Resolver:   res,
		BufferSize: cfg.Socket.RxBuffer,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Close tears down any open session, then the stack and watcher.
func (r *relay) Close() {
	if r.dispatcher != nil {
		eng := r.dispatcher.Engine()
		if eng.Status().Open() {
			if err := eng.Close(context.Background(), 0); err != nil {
				r.log.Warn("Close: session teardown", zap.Error(err))
			}
		}
	}
	if r.stack != nil {
		if n := r.stack.Live(); n > 0 {
			r.log.Warn("Close: descriptors still open", zap.Int("count", n))
		}
		if err := r.stack.Close(); err != nil {
			r.log.Warn("Close: stack", zap.Error(err))
		}
	}
	if r.watcher != nil {
		r.watcher.Stop()
	}
}

// closeErr drops errors that only report a deliberate shutdown.
func closeErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
