// Package socket implements the single-session socket command engine.
//
// An Engine owns at most one session: a primary OS socket, optionally a
// TLS or DTLS credential, and for stream servers one accepted peer. Every
// operation runs synchronously to completion on the caller's goroutine.
//
// Failures fall into a few classes (see package errors). Validation and
// sequencing errors leave the session as it was. Retry-class send and
// receive failures emit a Status event and keep the session. Any other OS
// failure closes the session and emits exactly one Closed event whose
// reason is the negative errno.
//
// Responses are delivered as Events through a Notifier, in the order the
// controller expects to see them:
//
//	eng, _ := socket.New(socket.Config{Stack: stack, Notifier: n})
//	eng.Open(ctx, socket.OpenParams{Transport: socket.TransportStream, Family: socket.FamilyIPv4})
//	eng.Connect(ctx, "example.com", 80)
//	eng.Send(ctx, []byte("ping"))
//	eng.Close(ctx, 0)
package socket
