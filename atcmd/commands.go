package atcmd

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/wippyai/sockrelay/errors"
	"github.com/wippyai/sockrelay/socket"
)

// #XSOCKET and #XSSOCKET operations.
const (
	opClose    = 0
	opOpenIPv4 = 1
	opOpenIPv6 = 2
)

// #XSOCKETOPT operations.
const (
	optGet = 0
	optSet = 1
)

func unsupportedForm(cmd Command) error {
	return errors.Validation(errors.PhaseCommand, "%s: %s form not supported", cmd.Name, cmd.Type)
}

// openParams reads op, type and role. It reports closed when op asks to
// close the session.
func openParams(cmd Command) (p socket.OpenParams, closed bool, err error) {
	op, err := cmd.Int(0, opClose, opOpenIPv6)
	if err != nil {
		return p, false, err
	}
	if op == opClose {
		return p, true, nil
	}
	p.Family = socket.FamilyIPv4
	if op == opOpenIPv6 {
		p.Family = socket.FamilyIPv6
	}

	t, err := cmd.Int(1, int64(socket.TransportStream), int64(socket.TransportDatagram))
	if err != nil {
		return p, false, err
	}
	r, err := cmd.Int(2, int64(socket.RoleClient), int64(socket.RoleServer))
	if err != nil {
		return p, false, err
	}
	p.Transport = socket.Transport(t)
	p.Role = socket.Role(r)
	return p, false, nil
}

func (d *Dispatcher) socket(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case TypeSet:
		p, closed, err := openParams(cmd)
		if err != nil {
			return err
		}
		if closed {
			return d.engine.Close(ctx, 0)
		}
		_, err = d.engine.Open(ctx, p)
		return err
	case TypeRead:
		d.writeLine(sessionLine(cmd.Name, d.engine.Status()))
		return nil
	case TypeTest:
		d.writeLine(fmt.Sprintf("%s: (%d,%d,%d),(%d,%d),(%d,%d),<sec-tag>", cmd.Name,
			opClose, opOpenIPv4, opOpenIPv6,
			socket.TransportStream, socket.TransportDatagram,
			socket.RoleClient, socket.RoleServer))
		return nil
	}
	return unsupportedForm(cmd)
}

func (d *Dispatcher) secureSocket(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case TypeSet:
		p, closed, err := openParams(cmd)
		if err != nil {
			return err
		}
		if closed {
			return d.engine.Close(ctx, 0)
		}

		tag, err := cmd.Int(3, 0, math.MaxUint32)
		if err != nil {
			return err
		}
		sec := &socket.SecurityParams{Tag: uint32(tag)}
		if cmd.Has(4) {
			v, err := cmd.Int(4, int64(socket.PeerVerifyNone), int64(socket.PeerVerifyRequired))
			if err != nil {
				return err
			}
			level := socket.PeerVerify(v)
			sec.PeerVerify = &level
		}
		if cmd.Has(5) {
			v, err := cmd.Int(5, 0, 1)
			if err != nil {
				return err
			}
			sec.HostnameVerify = v == 1
		}
		p.Secure = true
		p.Security = sec
		_, err = d.engine.Open(ctx, p)
		return err
	case TypeRead:
		d.writeLine(sessionLine(cmd.Name, d.engine.Status()))
		return nil
	case TypeTest:
		d.writeLine(fmt.Sprintf("%s: (%d,%d,%d),(%d,%d),(%d,%d),<sec-tag>,<peer_verify>,<hostname_verify>", cmd.Name,
			opClose, opOpenIPv4, opOpenIPv6,
			socket.TransportStream, socket.TransportDatagram,
			socket.RoleClient, socket.RoleServer))
		return nil
	}
	return unsupportedForm(cmd)
}

// sessionLine answers the read form of #XSOCKET and #XSSOCKET.
func sessionLine(name string, st socket.SessionStatus) string {
	if !st.Open() {
		return name + ": 0"
	}
	return fmt.Sprintf("%s: %d,%d,%d", name, st.FD, st.Family, st.Role)
}

func (d *Dispatcher) socketOpt(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case TypeSet:
		op, err := cmd.Int(0, optGet, optSet)
		if err != nil {
			return err
		}
		name, err := cmd.Int(1, 0, math.MaxInt32)
		if err != nil {
			return err
		}
		id := socket.OptionID(name)
		if op == optGet {
			_, err = d.engine.GetOption(ctx, id)
			return err
		}
		v, err := optionValue(cmd, id)
		if err != nil {
			return err
		}
		_, err = d.engine.SetOption(ctx, id, v)
		return err
	case TypeTest:
		d.writeLine(fmt.Sprintf("%s: (%d,%d),<name>,<value>", cmd.Name, optGet, optSet))
		return nil
	}
	return unsupportedForm(cmd)
}

// optionValue converts the value parameter. A missing value sets integer
// options to 0.
func optionValue(cmd Command, id socket.OptionID) (socket.OptionValue, error) {
	if !cmd.Has(2) {
		if id.ValueKind() == socket.ValueNone {
			return socket.OptionValue{}, nil
		}
		return socket.IntValue(0), nil
	}
	p := cmd.Params[2]
	if p.Kind == ParamString {
		return socket.StringValue(p.Str), nil
	}
	v, err := cmd.Int(2, math.MinInt32, math.MaxInt32)
	if err != nil {
		return socket.OptionValue{}, err
	}
	return socket.IntValue(int(v)), nil
}

func (d *Dispatcher) bind(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	port, err := cmd.Uint16(0)
	if err != nil {
		return err
	}
	return d.engine.Bind(ctx, port)
}

func (d *Dispatcher) connect(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	host, err := cmd.String(0)
	if err != nil {
		return err
	}
	port, err := cmd.Uint16(1)
	if err != nil {
		return err
	}
	return d.engine.Connect(ctx, host, port)
}

func (d *Dispatcher) listen(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	return d.engine.Listen(ctx)
}

func (d *Dispatcher) accept(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case TypeSet:
		return d.engine.Accept(ctx)
	case TypeRead:
		d.writeLine(fmt.Sprintf("#XTCPACCEPT: %d", d.engine.Status().PeerFD))
		return nil
	}
	return unsupportedForm(cmd)
}

func (d *Dispatcher) send(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	data, err := cmd.String(0)
	if err != nil {
		return err
	}
	_, err = d.engine.Send(ctx, []byte(data))
	return err
}

// readLength reads the optional length parameter. 0 selects the engine's
// buffer size.
func readLength(cmd Command) (int, error) {
	if !cmd.Has(0) {
		return 0, nil
	}
	n, err := cmd.Uint16(0)
	return int(n), err
}

func (d *Dispatcher) recv(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	n, err := readLength(cmd)
	if err != nil {
		return err
	}
	_, err = d.engine.Recv(ctx, n)
	return err
}

func (d *Dispatcher) sendTo(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	host, err := cmd.String(0)
	if err != nil {
		return err
	}
	port, err := cmd.Uint16(1)
	if err != nil {
		return err
	}
	data, err := cmd.String(2)
	if err != nil {
		return err
	}
	_, err = d.engine.SendTo(ctx, host, port, []byte(data))
	return err
}

func (d *Dispatcher) recvFrom(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	n, err := readLength(cmd)
	if err != nil {
		return err
	}
	_, _, err = d.engine.RecvFrom(ctx, n)
	return err
}

func (d *Dispatcher) getAddrInfo(ctx context.Context, cmd Command) error {
	if cmd.Type != TypeSet {
		return unsupportedForm(cmd)
	}
	host, err := cmd.String(0)
	if err != nil {
		return err
	}
	addrs, err := d.engine.Lookup(ctx, host)
	if err != nil {
		d.writeLine(fmt.Sprintf("%s: \"%s\"", cmd.Name, lookupReason(err)))
		return err
	}
	list := make([]string, len(addrs))
	for i, a := range addrs {
		list[i] = a.String()
	}
	d.writeLine(fmt.Sprintf("%s: \"%s\"", cmd.Name, strings.Join(list, " ")))
	return nil
}
