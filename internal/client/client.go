// Package client speaks the control protocol to a file server and drives
// the data plane for GET and PUT in either transport mode.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/1ureka/udpftp/internal/arq"
	"github.com/1ureka/udpftp/internal/config"
	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/handshake"
	"github.com/1ureka/udpftp/internal/transport"
	"github.com/1ureka/udpftp/internal/util"
)

// ServerError is an "ERROR: <reason>" reply.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string { return "server: " + e.Reason }

// replyTimeout bounds how long a control reply may take.
const replyTimeout = 30 * time.Second

const fileBuffer = 64 * 1024

// Client is one control connection. It is not safe for concurrent use;
// open one client per concurrent transfer.
type Client struct {
	cfg    *config.Config
	ctrl   *control.Conn
	server net.IP
	mode   control.Mode
	id     uint32

	// Progress, when set, is called as transfer bytes move.
	Progress arq.ProgressFunc
}

// Dial connects to a server's control address.
func Dial(ctx context.Context, addr string, cfg *config.Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := &Client{
		cfg:    cfg,
		ctrl:   control.NewConn(conn),
		server: transport.HostIP(conn.RemoteAddr()),
		id:     util.ConnID(conn),
	}
	util.LogDebug("[%08x] connected to %s", c.id, conn.RemoteAddr())
	return c, nil
}

// Mode returns the transport mode the next transfer will use.
func (c *Client) Mode() control.Mode { return c.mode }

// Close drops the control connection without QUIT.
func (c *Client) Close() error { return c.ctrl.Close() }

func (c *Client) request(line string) (string, error) {
	if err := c.ctrl.WriteLine(line); err != nil {
		return "", err
	}
	return c.reply()
}

func (c *Client) reply() (string, error) {
	line, err := c.ctrl.ReadLineTimeout(replyTimeout)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if reason, ok := control.ParseError(line); ok {
		return "", &ServerError{Reason: reason}
	}
	return line, nil
}

// ---------------------------------------------------------------------------
// Session commands
// ---------------------------------------------------------------------------

// List returns the LS body for the current directory.
func (c *Client) List() ([]string, error) {
	if err := c.ctrl.WriteLine(string(control.VerbLS)); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := c.ctrl.ReadLineTimeout(replyTimeout)
		if err != nil {
			return lines, fmt.Errorf("read listing: %w", err)
		}
		if line == control.ListEnd {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// Cd changes the remote working directory and returns the new one.
func (c *Client) Cd(dir string) (string, error) {
	line, err := c.request(fmt.Sprintf("%s %s", control.VerbCD, dir))
	if err != nil {
		return "", err
	}
	newDir, ok := control.ParseCd(line)
	if !ok {
		return "", fmt.Errorf("unexpected CD reply %q", line)
	}
	return newDir, nil
}

// ToggleMode switches between stream and datagram transfers.
func (c *Client) ToggleMode() (control.Mode, error) {
	line, err := c.request(string(control.VerbMode))
	if err != nil {
		return c.mode, err
	}
	mode, ok := control.ParseMode(line)
	if !ok {
		return c.mode, fmt.Errorf("unexpected MODE reply %q", line)
	}
	c.mode = mode
	return mode, nil
}

// SetMode toggles until the session is in mode m.
func (c *Client) SetMode(m control.Mode) error {
	if c.mode == m {
		return nil
	}
	_, err := c.ToggleMode()
	return err
}

// Quit ends the session politely and closes the connection.
func (c *Client) Quit() error {
	defer c.ctrl.Close()
	line, err := c.request(string(control.VerbQuit))
	if err != nil {
		return err
	}
	if line != control.Goodbye {
		return fmt.Errorf("unexpected QUIT reply %q", line)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transfers
// ---------------------------------------------------------------------------

// Get downloads remote into localPath. The download lands in a temporary
// file beside localPath that is created before the request is sent and
// renamed into place only when the transfer completes, so a refused or
// failed GET leaves nothing behind.
func (c *Client) Get(ctx context.Context, remote, localPath string) (res arq.Result, err error) {
	if localPath == "" {
		localPath = filepath.Base(remote)
	}
	f, err := os.CreateTemp(filepath.Dir(localPath), ".udpftp-*")
	if err != nil {
		return arq.Result{Outcome: arq.Aborted}, err
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err := c.ctrl.WriteLine(fmt.Sprintf("%s %s", control.VerbGet, remote)); err != nil {
		return arq.Result{Outcome: arq.Aborted}, err
	}
	line, err := c.reply()
	if err != nil {
		return arq.Result{Outcome: arq.Aborted}, err
	}

	w := bufio.NewWriterSize(f, fileBuffer)
	if c.mode == control.ModeDatagram {
		var (
			ep   *handshake.Endpoint
			size int64
		)
		ep, size, err = handshake.Answer(c.ctrl, line, transport.DatagramBinder(c.cfg.Transport()), c.server)
		if err != nil {
			return arq.Result{Outcome: arq.Aborted}, err
		}
		rcv := arq.NewReceiver(ep.Conn, ep.Peer, c.cfg.ARQ())
		rcv.ID = util.AddrID(ep.Conn.LocalAddr(), ep.Peer)
		rcv.SetSizeHint(size)
		rcv.Progress = c.Progress
		res, err = rcv.Receive(ctx, w)
	} else {
		res, err = c.stream(ctx, line, func(conn net.Conn, size int64) (arq.Result, error) {
			return transport.ReceiveStream(ctx, conn, w, size, c.Progress)
		})
	}

	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Chmod(0o644)
	}
	if err == nil {
		err = f.Close()
	}
	if err == nil {
		err = os.Rename(f.Name(), localPath)
	}
	if err == nil {
		f = nil
	} else {
		res.Outcome = arq.Aborted
	}
	c.log("GET", remote, res, err)
	return res, err
}

// Put uploads localPath as remoteName (defaults to the local base name).
func (c *Client) Put(ctx context.Context, localPath, remoteName string) (arq.Result, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return arq.Result{Outcome: arq.Aborted}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return arq.Result{Outcome: arq.Aborted}, err
	}
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	size := info.Size()

	line, err := c.request(fmt.Sprintf("%s %s %d", control.VerbPut, remoteName, size))
	if err != nil {
		return arq.Result{Outcome: arq.Aborted}, err
	}

	src := bufio.NewReaderSize(f, fileBuffer)
	var res arq.Result
	if c.mode == control.ModeDatagram {
		var ep *handshake.Endpoint
		ep, _, err = handshake.Answer(c.ctrl, line, transport.DatagramBinder(c.cfg.Transport()), c.server)
		if err != nil {
			return arq.Result{Outcome: arq.Aborted}, err
		}
		snd := arq.NewSender(ep.Conn, ep.Peer, c.cfg.ARQ())
		snd.ID = util.AddrID(ep.Conn.LocalAddr(), ep.Peer)
		snd.SetSizeHint(size)
		snd.Progress = c.Progress
		res, err = snd.Send(ctx, src)
	} else {
		res, err = c.stream(ctx, line, func(conn net.Conn, _ int64) (arq.Result, error) {
			return transport.SendStream(ctx, conn, src, size, c.Progress)
		})
	}

	c.log("PUT", remoteName, res, err)
	return res, err
}

// stream dials the port advertised in READY and runs fn on the connection.
// A READY it cannot act on is answered with an abort line.
func (c *Client) stream(ctx context.Context, readyLine string, fn func(net.Conn, int64) (arq.Result, error)) (arq.Result, error) {
	ready, err := control.ParseReady(readyLine)
	if err != nil {
		handshake.Abort(c.ctrl)
		return arq.Result{Outcome: arq.Aborted}, err
	}
	conn, err := transport.DialStream(ctx, c.server, ready.Port, c.cfg.Transport())
	if err != nil {
		handshake.Abort(c.ctrl)
		return arq.Result{Outcome: arq.Aborted}, err
	}
	return fn(conn, ready.Size)
}

func (c *Client) log(op, name string, res arq.Result, err error) {
	if err != nil {
		util.LogWarning("[%08x] %s %s failed after %d bytes: %v", c.id, op, name, res.Bytes, err)
		return
	}
	util.LogDebug("[%08x] %s %s %s (%s)", c.id, op, name, res, c.mode)
}
