// Package server runs the control-channel service: it accepts clients,
// bounds how many sessions run at once, and dispatches each session's
// commands to the file tree and the data plane.
package server

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/udpftp/internal/config"
	"github.com/1ureka/udpftp/internal/fsys"
	"github.com/1ureka/udpftp/internal/monitor"
	"github.com/1ureka/udpftp/internal/util"
)

// Server is the file service. Every collaborator is passed in; nothing is
// read from globals.
type Server struct {
	cfg     *config.Config
	root    *fsys.Root
	hub     *monitor.Hub
	journal *util.Journal

	sessions *registry
	listener net.Listener
}

// New creates a server. hub may be nil; a nil journal discards records.
func New(cfg *config.Config, root *fsys.Root, hub *monitor.Hub, journal *util.Journal) *Server {
	if journal == nil {
		journal = util.NopJournal()
	}
	return &Server{
		cfg:      cfg,
		root:     root,
		hub:      hub,
		journal:  journal,
		sessions: newRegistry(),
	}
}

// Listen binds the control address. Returns the bound address.
func (s *Server) Listen() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	return listener.Addr(), nil
}

// ActiveSessions returns the number of sessions being served.
func (s *Server) ActiveSessions() int { return s.sessions.count() }

// Serve accepts control connections until ctx is cancelled. At most
// max_sessions sessions run concurrently; further connections wait in the
// accept loop until a slot frees up. It returns after every session ended.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	// Close the listener when context is done so Accept() returns an error.
	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
		s.sessions.closeAll()
	})
	defer stop()

	util.LogInfo("serving %s on %s (max %d sessions)", s.root.Dir(), s.listener.Addr(), s.cfg.MaxSessions)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxSessions)

	var acceptErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept error: %w", err)
			}
			break
		}

		sess := newSession(s, conn)
		util.LogInfo("[%08x] new connection from %s", sess.id, conn.RemoteAddr())

		// Blocks while the pool is full.
		g.Go(func() error {
			sess.run(ctx)
			return nil
		})
	}

	g.Wait()
	return acceptErr
}
