// Package sockrelay drives TCP, UDP, TLS and DTLS sockets through the AT
// socket command set of a serial LTE modem, on top of the host network stack.
//
// One controller owns one socket session at a time. Each command runs to
// completion, with its unsolicited notifications, before the next is read.
//
// # Architecture Overview
//
// The module is organized into packages with distinct responsibilities:
//
//	sockrelay/
//	├── socket/          Session engine: lifecycle, connect, transfer, options
//	├── atcmd/           AT command parsing, dispatch and response formatting
//	├── uart/            Line channel over stdio, a pseudo-terminal or TCP
//	├── hoststack/       socket.Stack on host sockets, with TLS and DTLS
//	├── keystore/        Credentials by security tag, reloaded on change
//	├── netinfo/         Own address selection for bind
//	├── resolver/        Name resolution, system or configured servers
//	├── resource/        Handle table for live descriptors
//	├── errors/          Structured error types carrying errno codes
//	├── config/          YAML and environment configuration
//	├── logging/         zap logger construction
//	└── cmd/sockrelay/   serve, console and config commands
//
// # Quick Start
//
// Wire an engine to the host stack and run commands:
//
//	store := keystore.New("./certs", log)
//	d, err := atcmd.New(socket.Config{
//	    Stack:    hoststack.New(hoststack.Config{Credentials: store}),
//	    Keystore: store,
//	    NetInfo:  ni,
//	    Resolver: res,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_ = d.Execute(ctx, "AT#XSOCKET=1,1,0", os.Stdout)
//	_ = d.Execute(ctx, `AT#XCONNECT="example.com",80`, os.Stdout)
//
// # Errors
//
// Failures carry an errors.Kind and a negative errno. Transport failures
// close the session and report #XSOCKET: <errno>,"closed"; transient
// failures report #XSOCKET: <errno> and leave it open.
//
// # Thread Safety
//
// socket.Engine is NOT thread-safe. The uart server and the console run one
// command at a time on its behalf.
package sockrelay
