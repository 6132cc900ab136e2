package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/udpftp/internal/arq"
	"github.com/1ureka/udpftp/internal/client"
	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/util"
)

// shell is the interactive client menu.
type shell struct {
	ctx     context.Context
	c       *client.Client
	testing bool
}

func (s *shell) loop() {
	for s.ctx.Err() == nil {
		testing := "OFF"
		if s.testing {
			testing = "ON"
		}
		options := []string{
			"GET   — Download a file",
			"PUT   — Upload a file",
			"CD    — Change directory",
			"LS    — List directory",
			fmt.Sprintf("MODE  — Toggle transfer mode (%s)", s.c.Mode()),
			fmt.Sprintf("TEST  — Toggle testing mode (%s)", testing),
			"QUIT  — Disconnect",
		}
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("FTP client").
			Show()
		if err != nil {
			return
		}
		pterm.Println()

		verb := strings.TrimSpace(strings.SplitN(choice, " ", 2)[0])
		if verb == "TEST" {
			s.testing = !s.testing
			util.LogInfo("testing mode %s", map[bool]string{true: "enabled", false: "disabled"}[s.testing])
			continue
		}

		cmd := control.Command{Verb: control.Verb(verb)}
		switch cmd.Verb {
		case control.VerbGet, control.VerbPut, control.VerbCD:
			cmd.Args = []string{ask(fmt.Sprintf("%s — file or directory name", verb))}
		}

		err = s.exec(cmd)
		if cmd.Verb == control.VerbQuit {
			return
		}
		if err != nil {
			util.LogError("%v", err)
		}
		pterm.Println()
	}
}

// exec runs one command against the server.
func (s *shell) exec(cmd control.Command) error {
	switch cmd.Verb {
	case control.VerbLS:
		lines, err := s.c.List()
		for _, l := range lines {
			pterm.Println(l)
		}
		return err

	case control.VerbCD:
		dir, err := s.c.Cd(cmd.Arg(0))
		if err != nil {
			return err
		}
		util.LogInfo("changed directory to %s", dir)
		return nil

	case control.VerbMode:
		mode, err := s.c.ToggleMode()
		if err != nil {
			return err
		}
		util.LogInfo("transfer mode is now %s", mode)
		return nil

	case control.VerbGet, control.VerbPut:
		return s.transfer(cmd)

	case control.VerbQuit:
		err := s.c.Quit()
		util.LogInfo("disconnected")
		return err
	}
	return fmt.Errorf("unknown command %q", cmd.Verb)
}

func (s *shell) transfer(cmd control.Command) error {
	name := cmd.Arg(0)
	if name == "" {
		return errors.New("no file name given")
	}

	if s.testing {
		s.c.Progress = nil
		report, err := s.c.Bench(s.ctx, cmd.Verb, name, name, benchRuns)
		if err != nil {
			return err
		}
		util.LogSuccess("%s", report)
		return nil
	}

	bar := newProgress(fmt.Sprintf("%s %s", cmd.Verb, name))
	s.c.Progress = bar.update
	defer func() { s.c.Progress = nil }()

	var (
		res arq.Result
		err error
	)
	if cmd.Verb == control.VerbGet {
		res, err = s.c.Get(s.ctx, name, cmd.Arg(1))
	} else {
		res, err = s.c.Put(s.ctx, name, cmd.Arg(1))
	}
	bar.stop()
	if err != nil {
		return err
	}
	util.LogSuccess("%s %s: %s (%s/s)", cmd.Verb, name, res, util.FormatBytes(res.Throughput()))
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// progress adapts arq progress callbacks onto a pterm progress bar, which
// is created lazily once the total is known.
type progress struct {
	title string
	bar   *pterm.ProgressbarPrinter
	shown int
}

func newProgress(title string) *progress { return &progress{title: title} }

// update reports in KiB so large files fit the bar's int total.
func (p *progress) update(done, total int64) {
	if total <= 0 {
		return
	}
	if p.bar == nil {
		p.bar, _ = pterm.DefaultProgressbar.
			WithTotal(int(max(total/1024, 1))).
			WithTitle(p.title).
			WithRemoveWhenDone(true).
			Start()
	}
	cur := int(done / 1024)
	if cur > p.shown {
		p.bar.Add(cur - p.shown)
		p.shown = cur
	}
}

func (p *progress) stop() {
	if p.bar != nil {
		p.bar.Stop()
	}
}

// ask prompts until a non-empty answer is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a name is required")
	}
}
