// Package control implements the line-oriented control channel: command
// parsing, status and error lines, and the READY / CLIENT_READY
// announcements that set up a data transfer.
package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verb identifies a control command.
type Verb string

const (
	VerbLS   Verb = "LS"
	VerbCD   Verb = "CD"
	VerbGet  Verb = "GET"
	VerbPut  Verb = "PUT"
	VerbMode Verb = "MODE"
	VerbQuit Verb = "QUIT"
)

// Command is one parsed request line.
type Command struct {
	Verb Verb
	Args []string
}

// Arg returns the i-th argument, or "" when absent.
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// ParseCommand splits a request line on whitespace. The verb is matched
// case-insensitively; an empty line yields an empty verb.
func ParseCommand(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Verb: Verb(strings.ToUpper(fields[0])), Args: fields[1:]}
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + strings.Join(c.Args, " ")
}

// ---------------------------------------------------------------------------
// Fixed response lines
// ---------------------------------------------------------------------------

const (
	ListEnd  = "EOF"
	Goodbye  = "Goodbye!"
	ModeUDP  = "MODE UDP"
	ModeTCP  = "MODE TCP"
	errorTag = "ERROR: "
)

// Error reasons sent after the "ERROR: " tag.
const (
	ReasonUnknownCommand = "Unknown command"
	ReasonNoDirectory    = "No directory specified."
	ReasonBadDirectory   = "Directory not found or permission denied."
	ReasonNoGetFile      = "No file specified for GET command."
	ReasonNoPutFile      = "No file specified for PUT command."
	ReasonNotFound       = "File not found."
	ReasonInvalidSize    = "Invalid file size."
	ReasonInUse          = "File is currently in use."
	ReasonTransfer       = "Transfer setup failed."
	ReasonCannotCreate   = "Cannot create file."
	ReasonAborted        = "Transfer aborted."
)

// FormatError builds an error line.
func FormatError(reason string) string { return errorTag + reason }

// ParseError reports whether line is an error line and returns its reason.
func ParseError(line string) (string, bool) {
	reason, ok := strings.CutPrefix(line, errorTag)
	return reason, ok
}

// FormatCd builds the CD success line for a root-relative path.
func FormatCd(rel string) string {
	return "Changed directory to: /" + strings.TrimPrefix(rel, "/")
}

// ParseCd extracts the directory from a CD success line.
func ParseCd(line string) (string, bool) {
	return strings.CutPrefix(line, "Changed directory to: ")
}

// Mode is the data-plane transport of a session.
type Mode uint8

const (
	ModeStream   Mode = iota // TCP, the default
	ModeDatagram             // UDP with stop-and-wait ARQ
)

// Toggle returns the other mode.
func (m Mode) Toggle() Mode {
	if m == ModeStream {
		return ModeDatagram
	}
	return ModeStream
}

func (m Mode) String() string {
	if m == ModeDatagram {
		return "UDP"
	}
	return "TCP"
}

// Line is the MODE acknowledgement for m.
func (m Mode) Line() string {
	if m == ModeDatagram {
		return ModeUDP
	}
	return ModeTCP
}

// ParseMode parses a MODE acknowledgement line.
func ParseMode(line string) (Mode, bool) {
	switch line {
	case ModeUDP:
		return ModeDatagram, true
	case ModeTCP:
		return ModeStream, true
	}
	return ModeStream, false
}

// ---------------------------------------------------------------------------
// Transfer announcements
// ---------------------------------------------------------------------------

// ErrMalformedAnnouncement is returned for READY / CLIENT_READY lines that
// do not parse.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// Ready is the server's "READY <port> <size>" line.
type Ready struct {
	Port int
	Size int64
}

func (r Ready) String() string {
	return fmt.Sprintf("READY %d %d", r.Port, r.Size)
}

// ParseReady parses a READY line. The port must be 1..65535 and the size
// non-negative.
func ParseReady(line string) (Ready, error) {
	f := strings.Fields(line)
	if len(f) != 3 || f[0] != "READY" {
		return Ready{}, fmt.Errorf("%w: %q", ErrMalformedAnnouncement, line)
	}
	port, err := parsePort(f[1])
	if err != nil {
		return Ready{}, fmt.Errorf("%w: %q: %v", ErrMalformedAnnouncement, line, err)
	}
	size, err := ParseSize(f[2])
	if err != nil {
		return Ready{}, fmt.Errorf("%w: %q: %v", ErrMalformedAnnouncement, line, err)
	}
	return Ready{Port: port, Size: size}, nil
}

// FormatClientReady builds the uploader's "CLIENT_READY <port>" line.
func FormatClientReady(port int) string {
	return fmt.Sprintf("CLIENT_READY %d", port)
}

// ParseClientReady parses a CLIENT_READY line and returns the port.
func ParseClientReady(line string) (int, error) {
	f := strings.Fields(line)
	if len(f) != 2 || f[0] != "CLIENT_READY" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAnnouncement, line)
	}
	port, err := parsePort(f[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedAnnouncement, line, err)
	}
	return port, nil
}

// ParseSize parses a non-negative byte count.
func ParseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}
