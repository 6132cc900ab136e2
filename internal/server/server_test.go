package server_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/udpftp/internal/arq"
	"github.com/1ureka/udpftp/internal/client"
	"github.com/1ureka/udpftp/internal/config"
	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/fsys"
	"github.com/1ureka/udpftp/internal/monitor"
	"github.com/1ureka/udpftp/internal/server"
)

type fixture struct {
	srv  *server.Server
	cfg  *config.Config
	root *fsys.Root
	dir  string
	addr string
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Root = dir
	cfg.Listen = "127.0.0.1:0"
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxRetries = 5
	cfg.MaxSessions = 8
	return cfg
}

func startServer(t *testing.T, hub *monitor.Hub) *fixture {
	t.Helper()
	dir := t.TempDir()
	root, err := fsys.NewRoot(dir)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	cfg := testConfig(dir)
	srv := server.New(cfg, root, hub, nil)
	addr, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})

	return &fixture{srv: srv, cfg: cfg, root: root, dir: dir, addr: addr.String()}
}

func (f *fixture) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), f.addr, f.cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// raw opens a bare control connection for protocol-level assertions.
func (f *fixture) raw(t *testing.T) (*bufio.Reader, net.Conn) {
	t.Helper()
	conn, err := net.Dial("tcp4", f.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return bufio.NewReader(conn), conn
}

func (f *fixture) write(t *testing.T, name string, data []byte) {
	t.Helper()
	p := filepath.Join(f.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func roundTrip(t *testing.T, r *bufio.Reader, conn net.Conn, cmd string) string {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		t.Fatalf("write %q: %v", cmd, err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply to %q: %v", cmd, err)
	}
	return strings.TrimRight(line, "\r\n")
}

// ---------------------------------------------------------------------------
// Control commands
// ---------------------------------------------------------------------------

func TestErrorReplies(t *testing.T) {
	f := startServer(t, nil)
	f.write(t, "a.txt", []byte("x"))
	r, conn := f.raw(t)

	tests := []struct {
		cmd  string
		want string
	}{
		{"FOO", "ERROR: Unknown command"},
		{"CD", "ERROR: No directory specified."},
		{"CD missing", "ERROR: Directory not found or permission denied."},
		{"CD ../..", "ERROR: Directory not found or permission denied."},
		{"CD a.txt", "ERROR: Directory not found or permission denied."},
		{"GET", "ERROR: No file specified for GET command."},
		{"GET nope.bin", "ERROR: File not found."},
		{"GET ../../etc/passwd", "ERROR: File not found."},
		{"PUT", "ERROR: No file specified for PUT command."},
		{"PUT x.bin", "ERROR: Invalid file size."},
		{"PUT x.bin abc", "ERROR: Invalid file size."},
		{"PUT x.bin -4", "ERROR: Invalid file size."},
		{"PUT ../x.bin 4", "ERROR: Directory not found or permission denied."},
		{"PUT missing/x.bin 4", "ERROR: Directory not found or permission denied."},
	}
	for _, tt := range tests {
		if got := roundTrip(t, r, conn, tt.cmd); got != tt.want {
			t.Errorf("%q: got %q, want %q", tt.cmd, got, tt.want)
		}
	}

	// The session survives every error.
	if got := roundTrip(t, r, conn, "QUIT"); got != control.Goodbye {
		t.Errorf("QUIT: got %q", got)
	}
}

func TestModeAndQuit(t *testing.T) {
	f := startServer(t, nil)
	r, conn := f.raw(t)

	for _, want := range []string{"MODE UDP", "MODE TCP", "MODE UDP"} {
		if got := roundTrip(t, r, conn, "MODE"); got != want {
			t.Fatalf("MODE: got %q, want %q", got, want)
		}
	}
	if got := roundTrip(t, r, conn, "QUIT"); got != "Goodbye!" {
		t.Fatalf("QUIT: got %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("connection still open after QUIT")
	}
}

func TestListAndChangeDir(t *testing.T) {
	f := startServer(t, nil)
	f.write(t, "b.txt", []byte("hello"))
	f.write(t, "Sub/inner.bin", randomBytes(10))
	c := f.dial(t)

	lines, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(lines) == 0 || lines[0] != "Directory: /" {
		t.Fatalf("header: %q", lines)
	}
	body := strings.Join(lines, "\n")
	for _, want := range []string{"/Sub/", "b.txt", "5 bytes"} {
		if !strings.Contains(body, want) {
			t.Errorf("listing missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "/Sub/") > strings.Index(body, "b.txt") {
		t.Error("directories should be listed before files")
	}

	dir, err := c.Cd("Sub")
	if err != nil {
		t.Fatalf("Cd: %v", err)
	}
	if dir != "/Sub" {
		t.Fatalf("Cd = %q, want /Sub", dir)
	}
	lines, err = c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if lines[0] != "Directory: /Sub" || !strings.Contains(strings.Join(lines, "\n"), "inner.bin") {
		t.Fatalf("sub listing: %q", lines)
	}

	// ".." from /Sub is the root; one more level is refused.
	if dir, err = c.Cd(".."); err != nil || dir != "/" {
		t.Fatalf("Cd .. = %q, %v", dir, err)
	}
	_, err = c.Cd("..")
	var se *client.ServerError
	if !errors.As(err, &se) || se.Reason != control.ReasonBadDirectory {
		t.Fatalf("Cd above root: %v", err)
	}

	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Transfers
// ---------------------------------------------------------------------------

func TestTransfers(t *testing.T) {
	sizes := []int{0, 1, 1450, 5000, 300_000}
	modes := []control.Mode{control.ModeStream, control.ModeDatagram}

	f := startServer(t, nil)
	for _, mode := range modes {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", mode, size), func(t *testing.T) {
				c := f.dial(t)
				if err := c.SetMode(mode); err != nil {
					t.Fatalf("SetMode: %v", err)
				}
				data := randomBytes(size)
				name := fmt.Sprintf("%s-%d.bin", mode, size)
				local := filepath.Join(t.TempDir(), name)
				if err := os.WriteFile(local, data, 0o644); err != nil {
					t.Fatal(err)
				}

				res, err := c.Put(context.Background(), local, name)
				if err != nil {
					t.Fatalf("Put: %v", err)
				}
				if res.Outcome != arq.Complete || res.Bytes != int64(size) {
					t.Fatalf("Put result %+v", res)
				}
				waitForFile(t, filepath.Join(f.dir, name), data)

				back := filepath.Join(t.TempDir(), "back.bin")
				res, err = c.Get(context.Background(), name, back)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if res.Bytes != int64(size) {
					t.Fatalf("Get bytes = %d, want %d", res.Bytes, size)
				}
				got, err := os.ReadFile(back)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("downloaded %d bytes differ from uploaded %d", len(got), len(data))
				}
			})
		}
	}
}

// waitForFile polls until the server has flushed and closed an upload.
func waitForFile(t *testing.T, path string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := os.ReadFile(path)
		if err == nil && bytes.Equal(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: got %d bytes (err %v), want %d", path, len(got), err, len(want))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetMissingFileCreatesNothingLocally(t *testing.T) {
	f := startServer(t, nil)
	c := f.dial(t)

	local := filepath.Join(t.TempDir(), "never.bin")
	_, err := c.Get(context.Background(), "never.bin", local)
	var se *client.ServerError
	if !errors.As(err, &se) || se.Reason != control.ReasonNotFound {
		t.Fatalf("Get: %v", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatalf("local file exists: %v", err)
	}
}

// A client that cannot act on READY answers with an ERROR line; the server
// must drop the transfer without replying, so the next command's reply is
// the next line on the wire.
func TestAbortedGetKeepsRepliesInStep(t *testing.T) {
	for _, mode := range []control.Mode{control.ModeStream, control.ModeDatagram} {
		t.Run(mode.String(), func(t *testing.T) {
			f := startServer(t, nil)
			f.write(t, "a.txt", []byte("abc"))
			r, conn := f.raw(t)

			if mode == control.ModeDatagram {
				if got := roundTrip(t, r, conn, "MODE"); got != control.ModeUDP {
					t.Fatalf("MODE = %q", got)
				}
			}
			if got := roundTrip(t, r, conn, "GET a.txt"); !strings.HasPrefix(got, "READY ") {
				t.Fatalf("GET = %q", got)
			}
			if _, err := fmt.Fprintf(conn, "%s\n", control.FormatError(control.ReasonAborted)); err != nil {
				t.Fatal(err)
			}

			start := time.Now()
			if got, want := roundTrip(t, r, conn, "CD /"), control.FormatCd("/"); got != want {
				t.Fatalf("CD after abort = %q, want %q", got, want)
			}
			wait := f.cfg.Timeout * time.Duration(f.cfg.MaxRetries+1)
			if elapsed := time.Since(start); elapsed >= wait {
				t.Fatalf("abort took %s, not shorter than the handshake wait %s", elapsed, wait)
			}
		})
	}
}

func TestFailedLocalGetLeavesSessionUsable(t *testing.T) {
	for _, mode := range []control.Mode{control.ModeStream, control.ModeDatagram} {
		t.Run(mode.String(), func(t *testing.T) {
			f := startServer(t, nil)
			f.write(t, "a.txt", []byte("abc"))
			f.write(t, "Sub/b.txt", []byte("b"))
			c := f.dial(t)
			if err := c.SetMode(mode); err != nil {
				t.Fatal(err)
			}

			local := filepath.Join(t.TempDir(), "missing-dir", "a.txt")
			if _, err := c.Get(context.Background(), "a.txt", local); err == nil {
				t.Fatal("Get into a missing directory succeeded")
			}

			dir, err := c.Cd("Sub")
			if err != nil || dir != "/Sub" {
				t.Fatalf("Cd after failed GET = %q, %v", dir, err)
			}
			got := filepath.Join(t.TempDir(), "b.txt")
			if _, err := c.Get(context.Background(), "b.txt", got); err != nil {
				t.Fatalf("Get after failed GET: %v", err)
			}
			if data, err := os.ReadFile(got); err != nil || string(data) != "b" {
				t.Fatalf("downloaded %q, %v", data, err)
			}
		})
	}
}

func TestConcurrentSessions(t *testing.T) {
	f := startServer(t, nil)

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.Dial(context.Background(), f.addr, f.cfg)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			if i%2 == 1 {
				if err := c.SetMode(control.ModeDatagram); err != nil {
					errs <- err
					return
				}
			}
			local := filepath.Join(t.TempDir(), "up.bin")
			if err := os.WriteFile(local, randomBytes(20_000+i), 0o644); err != nil {
				errs <- err
				return
			}
			if _, err := c.Put(context.Background(), local, fmt.Sprintf("file-%d.bin", i)); err != nil {
				errs <- fmt.Errorf("session %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := 0; i < n; i++ {
		waitForFile(t, filepath.Join(f.dir, fmt.Sprintf("file-%d.bin", i)), randomBytes(20_000+i))
	}
}

func TestPutSameNameIsRefusedWhileInUse(t *testing.T) {
	f := startServer(t, nil)

	// The first uploader stops after READY and never joins the data plane,
	// holding the exclusive lock until the server gives up on it.
	r1, c1 := f.raw(t)
	if got := roundTrip(t, r1, c1, "PUT shared.bin 10"); !strings.HasPrefix(got, "READY ") {
		t.Fatalf("first PUT: %q", got)
	}

	r2, c2 := f.raw(t)
	if got := roundTrip(t, r2, c2, "PUT shared.bin 10"); got != "ERROR: File is currently in use." {
		t.Fatalf("second PUT: %q", got)
	}
	if got := roundTrip(t, r2, c2, "GET shared.bin"); got != "ERROR: File is currently in use." {
		t.Fatalf("GET during PUT: %q", got)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	dir := t.TempDir()
	root, err := fsys.NewRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(testConfig(dir), root, nil, nil)
	addr, err := srv.Listen()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp4", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if got := roundTrip(t, r, conn, "MODE"); got != "MODE UDP" {
		t.Fatalf("MODE: %q", got)
	}
	if srv.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions = %d", srv.ActiveSessions())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("control connection still open after shutdown")
	}
	if srv.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions = %d after shutdown", srv.ActiveSessions())
	}
}

func TestTransferEventsArePublished(t *testing.T) {
	hub := monitor.NewHub()
	feed, err := hub.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("hub.Start: %v", err)
	}
	defer hub.Close()

	events := make(chan monitor.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Watch(ctx, "ws://"+feed.String()+"/ws", func(e monitor.Event) { events <- e })

	deadline := time.Now().Add(5 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f := startServer(t, hub)
	f.write(t, "e.bin", randomBytes(3000))
	c := f.dial(t)
	if _, err := c.Get(context.Background(), "e.bin", filepath.Join(t.TempDir(), "e.bin")); err != nil {
		t.Fatalf("Get: %v", err)
	}

	var got []monitor.EventType
	for len(got) < 2 {
		select {
		case e := <-events:
			if e.Op != "GET" || e.Path != "/e.bin" {
				t.Fatalf("event %+v", e)
			}
			got = append(got, e.Type)
		case <-time.After(5 * time.Second):
			t.Fatalf("events so far: %v", got)
		}
	}
	if got[0] != monitor.EventStarted || got[1] != monitor.EventCompleted {
		t.Fatalf("event order %v", got)
	}
}
