package uart

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder answers every line with OK and records what it ran.
type recorder struct {
	lines []string
	mu    sync.Mutex
}

func (r *recorder) Execute(_ context.Context, line string, w io.Writer) error {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	_, err := io.WriteString(w, "\r\nOK\r\n")
	return err
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{cfg: Config{Mode: ModeStdio}},
		{cfg: Config{Mode: ModePTY}},
		{cfg: Config{Mode: ModeTCP, Listen: "127.0.0.1:0"}},
		{cfg: Config{Mode: ModeTCP}, wantErr: true},
		{cfg: Config{Mode: "serial"}, wantErr: true},
	}
	for _, tt := range tests {
		_, err := New(&recorder{}, tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%+v) err = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
}

func TestServer_Serve(t *testing.T) {
	tests := []struct {
		name  string
		input string
		echo  bool
		lines []string
		out   string
	}{
		{
			name:  "crlf",
			input: "AT\r\nAT#XSOCKET?\r\n",
			lines: []string{"AT", "AT#XSOCKET?"},
			out:   "\r\nOK\r\n\r\nOK\r\n",
		},
		{
			name:  "cr only and blank lines",
			input: "\r\r  AT  \rAT#XLISTEN",
			lines: []string{"AT", "AT#XLISTEN"},
			out:   "\r\nOK\r\n\r\nOK\r\n",
		},
		{
			name:  "echo",
			input: "AT\n",
			echo:  true,
			lines: []string{"AT"},
			out:   "AT\r\n\r\nOK\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s, err := New(rec, Config{Mode: ModeStdio, Echo: tt.echo})
			if err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			if err := s.Serve(context.Background(), strings.NewReader(tt.input), &out); err != nil {
				t.Fatalf("Serve: %v", err)
			}
			if got := rec.seen(); strings.Join(got, "|") != strings.Join(tt.lines, "|") {
				t.Errorf("lines = %q, want %q", got, tt.lines)
			}
			if out.String() != tt.out {
				t.Errorf("out = %q, want %q", out.String(), tt.out)
			}
		})
	}
}

func TestServer_LineTooLong(t *testing.T) {
	s, _ := New(&recorder{}, Config{Mode: ModeStdio})
	input := strings.Repeat("A", MaxLineLength+1) + "\r\n"
	err := s.Serve(context.Background(), strings.NewReader(input), io.Discard)
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Errorf("err = %v, want bufio.ErrTooLong", err)
	}
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestServer_WriteFailure(t *testing.T) {
	s, _ := New(&recorder{}, Config{Mode: ModeStdio})
	err := s.Serve(context.Background(), strings.NewReader("AT\r\nAT\r\n"), errWriter{})
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("err = %v, want ErrClosedPipe", err)
	}
}

func TestServer_ServeListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	s, err := New(rec, Config{Mode: ModeTCP, Listen: ln.Addr().String()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	// Two controllers in sequence share the server.
	for _, cmd := range []string{"AT#XSOCKET=1,1,0", "AT#XSOCKET?"} {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.WriteString(conn, cmd+"\r\n"); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 6)
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatal(err)
		}
		if string(buf) != "\r\nOK\r\n" {
			t.Errorf("response = %q", buf)
		}
		conn.Close()
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener did not stop")
	}
	if got := rec.seen(); len(got) != 2 {
		t.Errorf("lines = %q", got)
	}
}
