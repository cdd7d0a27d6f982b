// Package shell implements the interactive APDU prompt.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/SimplyPrint/apdu-shell/internal/codec"
	"github.com/SimplyPrint/apdu-shell/internal/core"
	"github.com/SimplyPrint/apdu-shell/internal/logging"
	"github.com/kr/pretty"
)

// Prompt is printed before every read.
const Prompt = ">> "

const usage = `Type an APDU as hex digits, spaces are ignored (e.g. 00 A4 04 00 00).
Commands:
  status   show reader, protocol and ATR (status -v dumps every field)
  help     show this text
  quit     leave the shell
`

// State of the loop.
type State int

const (
	Reading State = iota
	Terminated
)

func (s State) String() string {
	if s == Terminated {
		return "terminated"
	}
	return "reading"
}

// Transmitter sends one command and returns the full response.
// *core.Session satisfies it.
type Transmitter interface {
	Send(cmd []byte, maxResponseLen int) ([]byte, error)
}

// StatusReporter is implemented by transmitters that can describe the card.
type StatusReporter interface {
	Status() (core.CardStatus, error)
}

// Shell reads hex lines and forwards them to a Transmitter.
type Shell struct {
	in  *bufio.Reader
	out io.Writer
	tx  Transmitter

	// MaxResponseLen is passed to every Send. Zero means the session default.
	MaxResponseLen int
}

// New returns a shell reading from in and writing to out.
func New(in io.Reader, out io.Writer, tx Transmitter) *Shell {
	br, ok := in.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(in)
	}
	return &Shell{in: br, out: out, tx: tx}
}

// Run prompts, reads and steps until quit or end of input. Only a read error
// other than EOF is returned.
func (s *Shell) Run() error {
	for {
		fmt.Fprint(s.out, Prompt)
		line, err := s.in.ReadString('\n')
		if line != "" {
			if s.Step(line) == Terminated {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line == "" {
					// keep the caller's next output off the prompt line
					fmt.Fprintln(s.out)
				}
				return nil
			}
			return err
		}
	}
}

// Step handles one input line and returns the resulting state.
func (s *Shell) Step(line string) State {
	line = strings.TrimSpace(line)
	if line == "" {
		return Reading
	}

	switch strings.ToLower(line) {
	case "quit":
		return Terminated
	case "help":
		fmt.Fprint(s.out, usage)
		return Reading
	case "status":
		s.status(false)
		return Reading
	case "status -v":
		s.status(true)
		return Reading
	}

	cmd, err := codec.Encode(line)
	if err != nil {
		logging.Debug(logging.CatAPDU, "Rejected input", map[string]any{
			"error": err.Error(),
		})
		s.printErr(err)
		return Reading
	}

	fmt.Fprintf(s.out, "CMD: %s\n", codec.Format(cmd))
	rsp, err := s.tx.Send(cmd, s.MaxResponseLen)
	if err != nil {
		s.printErr(err)
		return Reading
	}
	fmt.Fprintf(s.out, "RES: %s\n", codec.Format(rsp))
	return Reading
}

func (s *Shell) status(verbose bool) {
	sr, ok := s.tx.(StatusReporter)
	if !ok {
		fmt.Fprintln(s.out, "ERR: status not supported.")
		return
	}
	st, err := sr.Status()
	if err != nil {
		s.printErr(err)
		return
	}
	if verbose {
		fmt.Fprintf(s.out, "%# v\n", pretty.Formatter(st))
		return
	}
	fmt.Fprintf(s.out, "Reader:   %s\nProtocol: %s\nATR:      %s\n", st.Reader, st.Protocol, st.ATR)
	if st.Card != "" {
		fmt.Fprintf(s.out, "Card:     %s\n", st.Card)
	}
}

func (s *Shell) printErr(err error) {
	fmt.Fprintf(s.out, "ERR: %s.\n", strings.TrimSuffix(err.Error(), "."))
}
