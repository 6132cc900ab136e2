package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/udpftp/internal/config"
	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/fsys"
	"github.com/1ureka/udpftp/internal/handshake"
	"github.com/1ureka/udpftp/internal/server"
)

// scripted starts a one-connection control server that answers each
// request line with the next scripted reply (several lines joined by \n).
func scripted(t *testing.T, replies ...string) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, len(replies)+1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for _, reply := range replies {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			got <- strings.TrimSpace(line)
			fmt.Fprintf(conn, "%s\n", reply)
		}
		// Record anything unscripted, then wait for the client to hang up.
		if line, err := r.ReadString('\n'); err == nil {
			got <- strings.TrimSpace(line)
			r.ReadString('\n')
		}
	}()
	return ln.Addr().String(), got
}

func dialTest(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, config.Default())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestListReadsUntilEOF(t *testing.T) {
	addr, got := scripted(t, "Directory: /\n  a\n  b\nEOF")
	c := dialTest(t, addr)

	lines, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"Directory: /", "  a", "  b"}; strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("List = %q, want %q", lines, want)
	}
	if req := <-got; req != "LS" {
		t.Fatalf("request %q", req)
	}
}

func TestReplyErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		call  func(*Client) error
		check func(error) bool
	}{
		{
			name:  "cd server error",
			reply: "ERROR: Directory not found or permission denied.",
			call:  func(c *Client) error { _, err := c.Cd("x"); return err },
			check: func(err error) bool {
				var se *ServerError
				return errors.As(err, &se) && se.Reason == control.ReasonBadDirectory
			},
		},
		{
			name:  "cd garbage",
			reply: "OK",
			call:  func(c *Client) error { _, err := c.Cd("x"); return err },
			check: func(err error) bool { return err != nil && strings.Contains(err.Error(), "unexpected CD reply") },
		},
		{
			name:  "mode garbage",
			reply: "MODE QUIC",
			call:  func(c *Client) error { _, err := c.ToggleMode(); return err },
			check: func(err error) bool { return err != nil },
		},
		{
			name:  "quit garbage",
			reply: "bye",
			call:  func(c *Client) error { return c.Quit() },
			check: func(err error) bool { return err != nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _ := scripted(t, tt.reply)
			c := dialTest(t, addr)
			if err := tt.call(c); !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestToggleModeTracksServer(t *testing.T) {
	addr, _ := scripted(t, "MODE UDP", "MODE TCP")
	c := dialTest(t, addr)

	if c.Mode() != control.ModeStream {
		t.Fatalf("initial mode %s", c.Mode())
	}
	if m, err := c.ToggleMode(); err != nil || m != control.ModeDatagram {
		t.Fatalf("ToggleMode = %s, %v", m, err)
	}
	if err := c.SetMode(control.ModeStream); err != nil || c.Mode() != control.ModeStream {
		t.Fatalf("SetMode: %s, %v", c.Mode(), err)
	}
}

func TestGetMalformedReadyCreatesNothing(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
		want    error
	}{
		{"stream", []string{"READY 0 12"}, control.ErrMalformedAnnouncement},
		{"datagram", []string{"MODE UDP", "READY 0 12"}, handshake.ErrHandshake},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, got := scripted(t, tt.replies...)
			c := dialTest(t, addr)
			if len(tt.replies) > 1 {
				if _, err := c.ToggleMode(); err != nil {
					t.Fatal(err)
				}
				<-got
			}

			dir := t.TempDir()
			_, err := c.Get(context.Background(), "f.bin", filepath.Join(dir, "out.bin"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Get: %v", err)
			}
			if entries, _ := os.ReadDir(dir); len(entries) != 0 {
				t.Fatalf("left behind %d local entries", len(entries))
			}

			if req := <-got; req != "GET f.bin" {
				t.Fatalf("request %q", req)
			}
			select {
			case req := <-got:
				if want := control.FormatError(control.ReasonAborted); req != want {
					t.Fatalf("sent %q after READY, want %q", req, want)
				}
			case <-time.After(time.Second):
				t.Fatal("no abort line sent after an unusable READY")
			}
		})
	}
}

func TestGetUnwritableTargetSendsNothing(t *testing.T) {
	addr, got := scripted(t)
	c := dialTest(t, addr)

	local := filepath.Join(t.TempDir(), "missing", "out.bin")
	if _, err := c.Get(context.Background(), "f.bin", local); err == nil {
		t.Fatal("Get into a missing directory succeeded")
	}
	select {
	case req := <-got:
		t.Fatalf("request sent for unwritable target: %q", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPutMalformedReadyInDatagramMode(t *testing.T) {
	addr, _ := scripted(t, "MODE UDP", "READY x y")
	c := dialTest(t, addr)
	if _, err := c.ToggleMode(); err != nil {
		t.Fatal(err)
	}

	local := filepath.Join(t.TempDir(), "in.bin")
	if err := os.WriteFile(local, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := c.Put(context.Background(), local, "")
	if !errors.Is(err, handshake.ErrHandshake) {
		t.Fatalf("Put: %v", err)
	}
}

func TestPutMissingLocalFile(t *testing.T) {
	addr, got := scripted(t)
	c := dialTest(t, addr)

	if _, err := c.Put(context.Background(), filepath.Join(t.TempDir(), "nope"), ""); !os.IsNotExist(err) {
		t.Fatalf("Put: %v", err)
	}
	select {
	case req := <-got:
		t.Fatalf("request sent for missing file: %q", req)
	case <-time.After(50 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Bench
// ---------------------------------------------------------------------------

func TestBenchReport(t *testing.T) {
	r := BenchReport{Runs: 4, Bytes: 4000, Total: 2 * time.Second}
	if r.Average() != 500*time.Millisecond {
		t.Errorf("Average = %s", r.Average())
	}
	if r.Throughput() != 2000 {
		t.Errorf("Throughput = %f", r.Throughput())
	}
	if (BenchReport{}).Average() != 0 || (BenchReport{}).Throughput() != 0 {
		t.Error("empty report should be zero")
	}
}

func TestBenchAgainstServer(t *testing.T) {
	dir := t.TempDir()
	payload := []byte(strings.Repeat("udpftp", 2000))
	if err := os.WriteFile(filepath.Join(dir, "bench.bin"), payload, 0o644); err != nil {
		t.Fatal(err)
	}
	root, err := fsys.NewRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Timeout = 200 * time.Millisecond
	srv := server.New(cfg, root, nil, nil)
	addr, err := srv.Listen()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { srv.Serve(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	c, err := Dial(ctx, addr.String(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, mode := range []control.Mode{control.ModeStream, control.ModeDatagram} {
		if err := c.SetMode(mode); err != nil {
			t.Fatal(err)
		}
		local := filepath.Join(t.TempDir(), "bench.bin")
		report, err := c.Bench(ctx, control.VerbGet, "bench.bin", local, 3)
		if err != nil {
			t.Fatalf("%s GET bench: %v", mode, err)
		}
		if report.Runs != 3 || report.Bytes != int64(3*len(payload)) || report.Mode != mode {
			t.Fatalf("%s GET report %+v", mode, report)
		}

		report, err = c.Bench(ctx, control.VerbPut, "copy.bin", local, 2)
		if err != nil {
			t.Fatalf("%s PUT bench: %v", mode, err)
		}
		if report.Runs != 2 || report.Bytes != int64(2*len(payload)) {
			t.Fatalf("%s PUT report %+v", mode, report)
		}
	}

	if _, err := c.Bench(ctx, control.VerbLS, "x", "y", 1); err == nil {
		t.Fatal("LS bench should be rejected")
	}
}
