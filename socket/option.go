package socket

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/errors"
)

// OptionID identifies a socket option. Values follow the modem socket API.
type OptionID int

const (
	OptReuseAddr       OptionID = 2
	OptType            OptionID = 3
	OptError           OptionID = 4
	OptPriority        OptionID = 12
	OptRcvTimeo        OptionID = 20
	OptSndTimeo        OptionID = 21
	OptBindToDevice    OptionID = 25
	OptSilenceAll      OptionID = 30
	OptIPEchoReply     OptionID = 31
	OptIPv6EchoReply   OptionID = 32
	OptTimestamping    OptionID = 37
	OptProtocol        OptionID = 38
	OptRAINoData       OptionID = 50
	OptRAILast         OptionID = 51
	OptRAIOneResp      OptionID = 52
	OptRAIOngoing      OptionID = 53
	OptRAIWaitMore     OptionID = 54
	OptTCPSrvSessTimeo OptionID = 55
)

// ValueKind tags the payload of an OptionValue.
type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueInt
	ValueDuration
	ValueString
	ValueUnsupported
)

// OptionValue is an option payload. Only the field selected by Kind is meaningful.
type OptionValue struct {
	String   string
	Int      int
	Duration time.Duration
	Kind     ValueKind
}

// IntValue returns an integer option value.
func IntValue(v int) OptionValue { return OptionValue{Kind: ValueInt, Int: v} }

// StringValue returns a string option value.
func StringValue(s string) OptionValue { return OptionValue{Kind: ValueString, String: s} }

// DurationValue returns a duration option value.
func DurationValue(d time.Duration) OptionValue { return OptionValue{Kind: ValueDuration, Duration: d} }

// NotSupported is returned for options that are known but not implemented.
var NotSupported = OptionValue{Kind: ValueUnsupported}

type optionSetter func(c Conn, id OptionID, v OptionValue) (OptionValue, error)
type optionGetter func(c Conn, id OptionID) (OptionValue, error)

type optionHandler struct {
	name string
	set  optionSetter
	get  optionGetter
}

var optionTable = map[OptionID]optionHandler{
	OptReuseAddr:       {name: "SO_REUSEADDR", set: setInt},
	OptType:            {name: "SO_TYPE", get: getUnsupported},
	OptError:           {name: "SO_ERROR", get: getInt},
	OptPriority:        {name: "SO_PRIORITY", set: setUnsupported, get: getUnsupported},
	OptRcvTimeo:        {name: "SO_RCVTIMEO", set: setTimeout, get: getTimeout},
	OptSndTimeo:        {name: "SO_SNDTIMEO", set: setTimeout, get: getTimeout},
	OptBindToDevice:    {name: "SO_BINDTODEVICE", set: setString},
	OptSilenceAll:      {name: "SO_SILENCE_ALL", set: setInt, get: getInt},
	OptIPEchoReply:     {name: "SO_IP_ECHO_REPLY", set: setInt, get: getInt},
	OptIPv6EchoReply:   {name: "SO_IPV6_ECHO_REPLY", set: setInt, get: getInt},
	OptTimestamping:    {name: "SO_TIMESTAMPING", set: setUnsupported},
	OptProtocol:        {name: "SO_PROTOCOL", get: getUnsupported},
	OptRAINoData:       {name: "SO_RAI_NO_DATA", set: setFlag},
	OptRAILast:         {name: "SO_RAI_LAST", set: setFlag},
	OptRAIOneResp:      {name: "SO_RAI_ONE_RESP", set: setFlag},
	OptRAIOngoing:      {name: "SO_RAI_ONGOING", set: setFlag},
	OptRAIWaitMore:     {name: "SO_RAI_WAIT_MORE", set: setFlag},
	OptTCPSrvSessTimeo: {name: "SO_TCP_SRV_SESSTIMEO", set: setInt, get: getInt},
}

func (id OptionID) String() string {
	if h, ok := optionTable[id]; ok {
		return h.name
	}
	return "option(" + strconv.Itoa(int(id)) + ")"
}

// Settable reports whether id can be written.
func (id OptionID) Settable() bool {
	return optionTable[id].set != nil
}

// Gettable reports whether id can be read.
func (id OptionID) Gettable() bool {
	return optionTable[id].get != nil
}

// ValueKind returns the payload kind expected when setting id.
func (id OptionID) ValueKind() ValueKind {
	switch id {
	case OptBindToDevice:
		return ValueString
	case OptRAINoData, OptRAILast, OptRAIOneResp, OptRAIOngoing, OptRAIWaitMore:
		return ValueNone
	default:
		return ValueInt
	}
}

func setInt(c Conn, id OptionID, v OptionValue) (OptionValue, error) {
	if v.Kind != ValueInt {
		return OptionValue{}, errValueKind(id, v)
	}
	return OptionValue{}, c.SetIntOption(id, v.Int)
}

func setTimeout(c Conn, id OptionID, v OptionValue) (OptionValue, error) {
	if v.Kind != ValueInt || v.Int < 0 {
		return OptionValue{}, errValueKind(id, v)
	}
	return OptionValue{}, c.SetTimeout(id, time.Duration(v.Int)*time.Second)
}

func setString(c Conn, id OptionID, v OptionValue) (OptionValue, error) {
	if v.Kind != ValueString {
		return OptionValue{}, errValueKind(id, v)
	}
	return OptionValue{}, c.SetStringOption(id, v.String)
}

func setFlag(c Conn, id OptionID, _ OptionValue) (OptionValue, error) {
	return OptionValue{}, c.SetFlag(id)
}

func setUnsupported(Conn, OptionID, OptionValue) (OptionValue, error) {
	return NotSupported, nil
}

func getInt(c Conn, id OptionID) (OptionValue, error) {
	v, err := c.IntOption(id)
	if err != nil {
		return OptionValue{}, err
	}
	return IntValue(v), nil
}

func getTimeout(c Conn, id OptionID) (OptionValue, error) {
	d, err := c.Timeout(id)
	if err != nil {
		return OptionValue{}, err
	}
	return DurationValue(d), nil
}

func getUnsupported(Conn, OptionID) (OptionValue, error) {
	return NotSupported, nil
}

func errValueKind(id OptionID, v OptionValue) *errors.Error {
	err := errors.Validation(errors.PhaseOption, "invalid value kind %d for %s", v.Kind, id)
	err.Value = int(id)
	return err
}

// SetOption writes option id on the session socket. Options that are known
// but not implemented return NotSupported, which is also emitted as an
// OptionResult. A failure reported by the stack does not close the session.
func (e *Engine) SetOption(_ context.Context, id OptionID, v OptionValue) (OptionValue, error) {
	if err := e.requireOpen(errors.PhaseOption); err != nil {
		return OptionValue{}, err
	}
	h, ok := optionTable[id]
	if !ok || h.set == nil {
		return OptionValue{}, errors.Validation(errors.PhaseOption, "unsupported option %d", int(id))
	}

	res, err := h.set(e.session.primary, id, v)
	if err != nil {
		return OptionValue{}, e.optionFailure(id, err)
	}
	if res.Kind == ValueUnsupported {
		e.notify(OptionResult{ID: id, Value: res})
	}
	return res, nil
}

// GetOption reads option id from the session socket and emits the value
// as an OptionResult.
func (e *Engine) GetOption(_ context.Context, id OptionID) (OptionValue, error) {
	if err := e.requireOpen(errors.PhaseOption); err != nil {
		return OptionValue{}, err
	}
	h, ok := optionTable[id]
	if !ok || h.get == nil {
		return OptionValue{}, errors.Validation(errors.PhaseOption, "unsupported option %d", int(id))
	}

	res, err := h.get(e.session.primary, id)
	if err != nil {
		return OptionValue{}, e.optionFailure(id, err)
	}
	e.notify(OptionResult{ID: id, Value: res})
	return res, nil
}

func (e *Engine) optionFailure(id OptionID, err error) error {
	if errors.IsKind(err, errors.KindValidation) {
		return err
	}
	code := errnoOf(err)
	e.log.Error("option: stack rejected option",
		zap.Stringer("option", id),
		zap.Int("errno", code),
		zap.Error(err))
	return errors.OptionFailed(int(id), code, err)
}
