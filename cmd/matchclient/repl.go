package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mossy-p/webrtc-matchmaking/internal/orchestrator"
)

const help = `commands:
  find        search for a partner
  cancel      stop searching
  skip        leave the partner and search again
  say <text>  send a chat message
  reset       drop the search or room and start a new session
  retry       reconnect and re-acquire media after an error
  status      print the current status
  quit        leave`

// Session is the part of the orchestrator the REPL drives.
type Session interface {
	Find() error
	Cancel() error
	Skip() error
	SendChat(text string) error
	Reset()
	Retry(ctx context.Context)
	Snapshot() orchestrator.Status
}

type repl struct {
	session Session
	out     io.Writer
}

// run executes commands from in until quit, end of input or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if r.exec(ctx, line) {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the REPL should stop.
func (r *repl) exec(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch name {
	case "":
		return false
	case "find":
		err = r.session.Find()
	case "cancel":
		err = r.session.Cancel()
	case "skip":
		err = r.session.Skip()
	case "say":
		if arg == "" {
			fmt.Fprintln(r.out, "usage: say <text>")
			return false
		}
		err = r.session.SendChat(arg)
	case "reset":
		r.session.Reset()
	case "retry":
		r.session.Retry(ctx)
	case "status":
		fmt.Fprintln(r.out, formatStatus(r.session.Snapshot()))
	case "help":
		fmt.Fprintln(r.out, help)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(r.out, "unknown command %q, try help\n", name)
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
	return false
}

func formatStatus(s orchestrator.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", s.Phase)
	if s.RoomID != "" {
		fmt.Fprintf(&b, " room=%s partner=%s", s.RoomID, s.PartnerID)
	}
	if s.Video != "" && s.Video != orchestrator.VideoNone {
		fmt.Fprintf(&b, " video=%s", s.Video)
	}
	if s.Messages > 0 {
		fmt.Fprintf(&b, " messages=%d", s.Messages)
	}
	if s.Notice != "" {
		fmt.Fprintf(&b, " (%s)", s.Notice)
	}
	return b.String()
}
