// Package atcmd exposes the socket engine over textual AT commands.
//
// A Dispatcher parses one command line, runs the matching engine operation
// and writes the response lines, each framed as "\r\n<line>\r\n", followed by
// the final result "OK" or "ERROR". Engine events become response lines as
// they are emitted, so received payload precedes its #XRECV summary.
package atcmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/errors"
	"github.com/wippyai/sockrelay/resolver"
	"github.com/wippyai/sockrelay/socket"
)

const (
	resultOK    = "OK"
	resultError = "ERROR"
)

type handler func(d *Dispatcher, ctx context.Context, cmd Command) error

var handlers = map[string]handler{
	"#XSOCKET":      (*Dispatcher).socket,
	"#XSSOCKET":     (*Dispatcher).secureSocket,
	"#XSOCKETOPT":   (*Dispatcher).socketOpt,
	"#XBIND":        (*Dispatcher).bind,
	"#XCONNECT":     (*Dispatcher).connect,
	"#XLISTEN":      (*Dispatcher).listen,
	"#XACCEPT":      (*Dispatcher).accept,
	"#XSEND":        (*Dispatcher).send,
	"#XRECV":        (*Dispatcher).recv,
	"#XSENDTO":      (*Dispatcher).sendTo,
	"#XRECVFROM":    (*Dispatcher).recvFrom,
	"#XGETADDRINFO": (*Dispatcher).getAddrInfo,
}

// Dispatcher executes AT commands against a socket engine.
// It is not safe for concurrent use; commands run one at a time.
type Dispatcher struct {
	engine *socket.Engine
	log    *zap.Logger
	w      io.Writer
	werr   error
}

var _ socket.Notifier = (*Dispatcher)(nil)

// New creates a dispatcher and the engine it drives. cfg.Notifier is
// replaced by the dispatcher.
func New(cfg socket.Config) (*Dispatcher, error) {
	d := &Dispatcher{log: Logger()}
	cfg.Notifier = d
	eng, err := socket.New(cfg)
	if err != nil {
		return nil, err
	}
	d.engine = eng
	return d, nil
}

// Engine returns the engine driven by d.
func (d *Dispatcher) Engine() *socket.Engine {
	return d.engine
}

// Execute runs one command line and writes its responses to w. Command
// failures are reported to the controller as ERROR; the returned error is
// set only when writing to w failed.
func (d *Dispatcher) Execute(ctx context.Context, line string, w io.Writer) error {
	d.w, d.werr = w, nil
	defer func() { d.w = nil }()

	err := d.run(ctx, line)
	if err != nil {
		d.log.Warn("command failed",
			zap.String("command", line),
			zap.String("kind", string(errors.KindOf(err))),
			zap.Int("code", errors.CodeOf(err)),
			zap.Error(err))
		d.writeLine(resultError)
	} else {
		d.writeLine(resultOK)
	}
	return d.werr
}

func (d *Dispatcher) run(ctx context.Context, line string) error {
	cmd, err := Parse(line)
	if err != nil {
		return err
	}
	if cmd.Name == "" {
		return nil
	}
	h, ok := handlers[cmd.Name]
	if !ok {
		return errors.Validation(errors.PhaseCommand, "unknown command %s", cmd.Name)
	}
	d.log.Debug("command", zap.String("name", cmd.Name), zap.Stringer("type", cmd.Type))
	return h(d, ctx, cmd)
}

// Notify formats engine events as response lines.
func (d *Dispatcher) Notify(ev socket.Event) {
	switch ev := ev.(type) {
	case socket.OpenAck:
		name := "#XSOCKET"
		if ev.Secure {
			name = "#XSSOCKET"
		}
		d.writeLine(fmt.Sprintf("%s: %d,%d,%d,%d", name, ev.FD, ev.Transport, ev.Role, ev.Protocol))
	case socket.ConnectAck:
		d.writeLine("#XCONNECT: 1")
	case socket.AcceptAck:
		d.writeLine(fmt.Sprintf("#XACCEPT: \"connected with %s\"", ev.PeerAddr.Addr()))
		d.writeLine(fmt.Sprintf("#XACCEPT: %d", ev.PeerFD))
	case socket.SendResult:
		d.writeLine(fmt.Sprintf("#XSEND: %d", ev.Sent))
	case socket.SendToResult:
		d.writeLine(fmt.Sprintf("#XSENDTO: %d", ev.Sent))
	case socket.Payload:
		d.write(ev.Data)
	case socket.RecvResult:
		d.writeLine(fmt.Sprintf("#XRECV: 0,%d", ev.Count))
	case socket.RecvFromResult:
		d.writeLine(fmt.Sprintf("#XRECVFROM: %d,\"%s:%d\"", ev.Count, ev.From.Addr(), ev.From.Port()))
	case socket.OptionResult:
		d.writeLine("#XSOCKETOPT: " + formatOption(ev.Value))
	case socket.Status:
		d.writeLine(fmt.Sprintf("#XSOCKET: %d", ev.Code))
	case socket.Closed:
		d.writeLine(fmt.Sprintf("#XSOCKET: %d,\"closed\"", ev.Reason))
	}
}

func formatOption(v socket.OptionValue) string {
	switch v.Kind {
	case socket.ValueInt:
		return fmt.Sprintf("%d", v.Int)
	case socket.ValueDuration:
		return fmt.Sprintf("\"%d sec\"", int(v.Duration.Seconds()))
	case socket.ValueString:
		return fmt.Sprintf("%q", v.String)
	default:
		return "\"not supported\""
	}
}

func (d *Dispatcher) writeLine(line string) {
	d.write([]byte("\r\n" + line + "\r\n"))
}

func (d *Dispatcher) write(p []byte) {
	if d.w == nil || d.werr != nil {
		return
	}
	if _, err := d.w.Write(p); err != nil {
		d.werr = err
		d.log.Error("response write failed", zap.Error(err))
	}
}

// lookupReason is the text reported when #XGETADDRINFO fails.
func lookupReason(err error) string {
	var dnsErr *net.DNSError
	switch {
	case stderrors.Is(err, resolver.ErrNotFound):
		return "not found"
	case stderrors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return "not found"
	case errors.IsKind(err, errors.KindValidation):
		return "invalid name"
	default:
		return "temporary failure in name resolution"
	}
}
