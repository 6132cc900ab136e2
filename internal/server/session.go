package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"time"

	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/fsys"
	"github.com/1ureka/udpftp/internal/transport"
	"github.com/1ureka/udpftp/internal/util"
)

// Session is one control connection: a working directory and a transport
// mode, both private to the goroutine serving it.
type Session struct {
	id   uint32
	srv  *Server
	ctrl *control.Conn
	peer net.IP

	cwd  string
	mode control.Mode
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		id:   util.ConnID(conn),
		srv:  srv,
		ctrl: control.NewConn(conn),
		peer: transport.HostIP(conn.RemoteAddr()),
	}
}

// run serves commands until QUIT, disconnect or cancellation.
func (s *Session) run(ctx context.Context) {
	s.srv.sessions.register(s)
	util.Stats.AddSession()
	defer func() {
		s.ctrl.Close()
		s.srv.sessions.unregister(s)
		util.Stats.RemoveSession()
		util.LogInfo("[%08x] session closed", s.id)
	}()

	stop := context.AfterFunc(ctx, func() { s.ctrl.Close() })
	defer stop()

	for {
		line, err := s.ctrl.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				util.LogDebug("[%08x] control read: %v", s.id, err)
			}
			return
		}

		cmd := control.ParseCommand(line)
		if cmd.Verb == "" {
			continue
		}
		util.LogDebug("[%08x] > %s", s.id, cmd)

		quit, err := s.dispatch(ctx, cmd)
		if err != nil {
			util.LogDebug("[%08x] %s: %v", s.id, cmd.Verb, err)
		}
		if quit {
			return
		}
	}
}

// dispatch executes one command. The returned error is informational;
// the client has already been told.
func (s *Session) dispatch(ctx context.Context, cmd control.Command) (bool, error) {
	switch cmd.Verb {
	case control.VerbLS:
		return false, s.handleLS()
	case control.VerbCD:
		return false, s.handleCD(cmd)
	case control.VerbGet:
		return false, s.handleGet(ctx, cmd)
	case control.VerbPut:
		return false, s.handlePut(ctx, cmd)
	case control.VerbMode:
		s.mode = s.mode.Toggle()
		util.LogInfo("[%08x] transfer mode %s", s.id, s.mode)
		return false, s.ctrl.WriteLine(s.mode.Line())
	case control.VerbQuit:
		return true, s.ctrl.WriteLine(control.Goodbye)
	default:
		return false, s.ctrl.WriteError(control.ReasonUnknownCommand)
	}
}

// ---------------------------------------------------------------------------
// Directory commands
// ---------------------------------------------------------------------------

func (s *Session) handleLS() error {
	lines, err := s.srv.root.List(s.cwd)
	if err != nil {
		util.LogWarning("[%08x] LS %q: %v", s.id, s.cwd, err)
		lines = nil
	}
	util.LogInfo("[%08x] LS /%s", s.id, s.cwd)
	return s.ctrl.WriteLines(append(lines, control.ListEnd)...)
}

func (s *Session) handleCD(cmd control.Command) error {
	arg := cmd.Arg(0)
	if arg == "" {
		return s.ctrl.WriteError(control.ReasonNoDirectory)
	}
	cwd, err := s.srv.root.ChangeDir(s.cwd, arg)
	if err != nil {
		s.ctrl.WriteError(control.ReasonBadDirectory)
		return err
	}
	s.cwd = cwd
	util.LogInfo("[%08x] CD /%s", s.id, cwd)
	return s.ctrl.WriteLine(control.FormatCd(cwd))
}

// ---------------------------------------------------------------------------
// Transfers
// ---------------------------------------------------------------------------

func (s *Session) handleGet(ctx context.Context, cmd control.Command) error {
	name := cmd.Arg(0)
	if name == "" {
		return s.ctrl.WriteError(control.ReasonNoGetFile)
	}

	f, size, err := s.srv.root.OpenRead(s.cwd, name)
	if err != nil {
		if errors.Is(err, fsys.ErrFileLockConflict) {
			s.ctrl.WriteError(control.ReasonInUse)
		} else {
			s.ctrl.WriteError(control.ReasonNotFound)
		}
		return err
	}
	defer f.Close()

	t := s.newTransfer(control.VerbGet, name, size)
	return t.send(ctx, f)
}

func (s *Session) handlePut(ctx context.Context, cmd control.Command) error {
	name := cmd.Arg(0)
	if name == "" {
		return s.ctrl.WriteError(control.ReasonNoPutFile)
	}
	size, err := control.ParseSize(cmd.Arg(1))
	if err != nil {
		s.ctrl.WriteError(control.ReasonInvalidSize)
		return err
	}

	// The exclusive lock is taken before any datagram is exchanged.
	f, err := s.srv.root.Create(s.cwd, name)
	if err != nil {
		switch {
		case errors.Is(err, fsys.ErrFileLockConflict):
			s.ctrl.WriteError(control.ReasonInUse)
		case errors.Is(err, fsys.ErrOutsideRoot), errors.Is(err, fs.ErrNotExist):
			s.ctrl.WriteError(control.ReasonBadDirectory)
		default:
			s.ctrl.WriteError(control.ReasonCannotCreate)
		}
		return err
	}
	defer f.Close()

	t := s.newTransfer(control.VerbPut, name, size)
	return t.receive(ctx, f)
}

// handshakeWait bounds how long the server waits for the client to join
// the data plane after READY.
func (s *Session) handshakeWait() time.Duration {
	return s.srv.cfg.Timeout * time.Duration(s.srv.cfg.MaxRetries+1)
}
