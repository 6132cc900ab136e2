// Command udpftp is the CLI entry point.
//
// This tool serves a directory over a line-oriented control channel and
// moves files either over TCP or over UDP with a stop-and-wait ARQ. The
// same binary runs the server, an interactive client, or a monitor that
// follows a server's transfer feed.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -config, -root, -listen, -addr, -monitor).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/udpftp/internal/client"
	"github.com/1ureka/udpftp/internal/config"
	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/fsys"
	"github.com/1ureka/udpftp/internal/monitor"
	"github.com/1ureka/udpftp/internal/server"
	"github.com/1ureka/udpftp/internal/util"
)

var version = "dev"

// benchRuns is how many times testing mode repeats a transfer.
const benchRuns = 10

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: server, client or watch")
	cfgPath := flag.String("config", "", "Path to udpftp.yaml (optional)")
	rootFlag := flag.String("root", "", "Directory to serve (server only)")
	listenFlag := flag.String("listen", "", "Control listen address (server only)")
	addrFlag := flag.String("addr", "127.0.0.1:2121", "Server control address (client only)")
	monitorFlag := flag.String("monitor", "", "Monitor listen address (server) or feed URL (watch)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.SetLevel(cfg.Log.Level)
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("udpftp — v%s", version))
	pterm.Println()

	switch config.Role(*role) {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg, *addrFlag)

	case config.RoleServer:
		if *rootFlag != "" {
			cfg.Root = *rootFlag
		}
		if *listenFlag != "" {
			cfg.Listen = *listenFlag
		}
		if *monitorFlag != "" {
			cfg.MonitorListen = *monitorFlag
		}
		watchConfig(ctx, *cfgPath, *debugMode)
		runServer(ctx, cfg)

	case config.RoleClient:
		runClient(ctx, cfg, *addrFlag, flag.Args())

	case config.RoleWatch:
		if *monitorFlag == "" {
			util.LogError("missing -monitor feed URL for watch role")
			os.Exit(1)
		}
		runWatch(ctx, normalizeFeedURL(*monitorFlag))

	default:
		util.LogError("invalid -role: must be 'server', 'client' or 'watch'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for a role when no -role flag is provided.
func runInteractive(ctx context.Context, cfg *config.Config, addr string) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Share a directory", "Client — Connect to a server", "Watch  — Follow a server's transfers"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Server"):
		root, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Directory to serve").
			WithDefaultValue(cfg.Root).
			Show()
		cfg.Root = strings.TrimSpace(root)
		runServer(ctx, cfg)
	case strings.HasPrefix(role, "Client"):
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server address").
			WithDefaultValue(addr).
			Show()
		runClient(ctx, cfg, strings.TrimSpace(raw), nil)
	default:
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Monitor feed (host:port or ws:// URL)").
			Show()
		runWatch(ctx, normalizeFeedURL(raw))
	}
}

// runServer serves cfg.Root until ctx is cancelled.
func runServer(ctx context.Context, cfg *config.Config) {
	root, err := fsys.NewRoot(cfg.Root)
	if err != nil {
		util.LogError("invalid root: %v", err)
		os.Exit(1)
	}

	journal, err := util.OpenJournal(cfg.JournalSettings())
	if err != nil {
		util.LogError("failed to open journal: %v", err)
		os.Exit(1)
	}
	defer journal.Sync()

	var hub *monitor.Hub
	if cfg.MonitorListen != "" {
		hub = monitor.NewHub()
		addr, err := hub.Start(cfg.MonitorListen)
		if err != nil {
			util.LogError("failed to start monitor: %v", err)
			os.Exit(1)
		}
		defer hub.Close()
		util.LogInfo("monitor feed on ws://%s/ws", addr)
	}

	srv := server.New(cfg, root, hub, journal)
	if _, err := srv.Listen(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx, 5*time.Second)

	if err := srv.Serve(ctx); err != nil {
		util.LogError("server stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("server closed")
}

// watchConfig applies log level edits without a restart.
func watchConfig(ctx context.Context, path string, debug bool) {
	err := config.Watch(ctx, path, func(c *config.Config) {
		if !debug {
			util.SetLevel(c.Log.Level)
		}
	})
	if err != nil {
		util.LogWarning("config watch disabled: %v", err)
	}
}

// runClient connects to addr. With args it runs one command and exits;
// otherwise it shows the menu until QUIT.
func runClient(ctx context.Context, cfg *config.Config, addr string, args []string) {
	c, err := client.Dial(ctx, addr, cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer c.Close()

	util.LogSuccess("connected to %s", addr)
	sh := &shell{ctx: ctx, c: c}

	if len(args) > 0 {
		if err := sh.exec(control.Command{Verb: control.Verb(strings.ToUpper(args[0])), Args: args[1:]}); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		c.Quit()
		return
	}
	sh.loop()
}

// runWatch prints transfer events from a monitor feed.
func runWatch(ctx context.Context, url string) {
	util.LogInfo("watching %s", url)
	err := monitor.Watch(ctx, url, func(e monitor.Event) {
		switch e.Type {
		case monitor.EventStarted:
			util.LogInfo("%s %s %s (%s) from %s", shortID(e.ID), e.Op, e.Path, e.Mode, e.Peer)
		case monitor.EventCompleted:
			util.LogSuccess("%s %s %s done: %s in %s", shortID(e.ID), e.Op, e.Path,
				util.FormatBytes(float64(e.Bytes)), time.Duration(e.ElapsedMS)*time.Millisecond)
		case monitor.EventAborted:
			util.LogWarning("%s %s %s aborted after %s: %s", shortID(e.ID), e.Op, e.Path,
				util.FormatBytes(float64(e.Bytes)), e.Error)
		}
	})
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeFeedURL accepts "host:port", "ws://host:port" or a full URL and
// returns the feed's websocket URL.
func normalizeFeedURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
		raw = "ws://" + raw
	}
	if !strings.HasSuffix(raw, "/ws") {
		raw = strings.TrimRight(raw, "/") + "/ws"
	}
	return raw
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
