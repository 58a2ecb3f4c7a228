package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BTreeMap/BeeWell/internal/chat"
	"github.com/BTreeMap/BeeWell/internal/markdown"
	"github.com/BTreeMap/BeeWell/internal/models"
	"github.com/BTreeMap/BeeWell/internal/store"
)

const helpText = `Commands:
  /new      start a new chat (clears this conversation)
  /signout  delete your profile and history, then start over
  /theme    switch between dark and light rendering
  /history  show the whole conversation again
  /help     show this help
  /quit     leave (your conversation is kept)`

// repl is the line-based terminal chat.
type repl struct {
	ctrl    *chat.Controller
	records *store.Records
	in      *bufio.Scanner
	out     io.Writer
	wrap    int
	term    *markdown.Terminal
}

func newREPL(records *store.Records, in io.Reader, out io.Writer, wrap int) *repl {
	r := &repl{records: records, in: bufio.NewScanner(in), out: out, wrap: wrap}
	theme, _ := records.LoadTheme()
	r.term = markdown.NewTerminal(string(theme), wrap)
	records.OnWriteFailure(func(f store.WriteFailure) {
		fmt.Fprintln(r.out, markdown.Notice("(could not save to local storage: "+f.Op+" "+f.Key+")"))
	})
	return r
}

// errQuit ends the loop without an error.
var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context) error {
	sessions := r.ctrl.Sessions()
	if sessions.RestoreSession() {
		snap := sessions.Snapshot()
		fmt.Fprintf(r.out, "Welcome back, %s.\n", snap.User.UserName)
	} else if err := r.onboard(ctx); err != nil {
		return quietQuit(err)
	}
	r.printHeader()
	r.printTranscript()
	fmt.Fprintln(r.out, markdown.Notice("Type /help for commands."))

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, ok := r.prompt("> ")
		if !ok {
			return nil
		}
		if err := r.handle(ctx, line); err != nil {
			return quietQuit(err)
		}
	}
}

func quietQuit(err error) error {
	if errors.Is(err, errQuit) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *repl) handle(ctx context.Context, line string) error {
	sessions := r.ctrl.Sessions()
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/history":
		r.printTranscript()
	case "/theme":
		current, _ := r.records.LoadTheme()
		next := current.Toggle()
		r.records.SaveTheme(next)
		r.term = markdown.NewTerminal(string(next), r.wrap)
		fmt.Fprintln(r.out, markdown.Notice("Theme: "+string(next)))
	case "/new":
		if sessions.NeedsConfirmation() && !r.confirm(chat.ConfirmNewChat) {
			return nil
		}
		if err := r.ctrl.NewChat(); err != nil {
			return err
		}
		r.printTranscript()
	case "/signout":
		if sessions.NeedsConfirmation() && !r.confirm(chat.ConfirmEndSession) {
			return nil
		}
		if err := r.ctrl.EndSession(); err != nil {
			return err
		}
		fmt.Fprintln(r.out, markdown.Notice("Your profile and chat history were deleted."))
		if err := r.onboard(ctx); err != nil {
			return err
		}
		r.printHeader()
		r.printTranscript()
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintln(r.out, markdown.Notice("Unknown command. Type /help for commands."))
			return nil
		}
		return r.send(ctx, line)
	}
	return nil
}

func (r *repl) send(ctx context.Context, text string) error {
	msg, err := r.ctrl.Send(ctx, text)
	switch {
	case err == nil:
		fmt.Fprintln(r.out, r.term.FormatMessage(msg, r.userName()))
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrReplyPending):
	default:
		slog.Debug("repl.send: reply not shown", "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// onState drives the typing indicator.
func (r *repl) onState(s chat.State) {
	if s == chat.StateAwaitingReply {
		fmt.Fprintln(r.out, markdown.Notice("Bee is typing..."))
	}
}

// onboard collects a profile until the backend accepts one.
func (r *repl) onboard(ctx context.Context) error {
	fmt.Fprintln(r.out, "Welcome to BeeWell. Tell Bee a little about yourself to get started.")
	for {
		var form models.ProfileForm
		var ok bool
		if form.UserName, ok = r.prompt("Your name: "); !ok {
			return io.EOF
		}
		if form.UserAge, ok = r.prompt("Age: "); !ok {
			return io.EOF
		}
		if form.UserCountry, ok = r.prompt("Country: "); !ok {
			return io.EOF
		}
		if form.FinancialStatus, ok = r.prompt("Financial status: "); !ok {
			return io.EOF
		}
		diag, ok := r.prompt("Have you been diagnosed with a mental health condition? [y/N] ")
		if !ok {
			return io.EOF
		}
		form.HasDiagnosis = isYes(diag)

		_, err := r.ctrl.CreateProfile(ctx, form)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, models.ErrInvalidProfile):
			fmt.Fprintln(r.out, markdown.Notice("Please check your details: "+profileProblem(err)))
		case errors.Is(err, chat.ErrProfileSetupFailed):
			fmt.Fprintln(r.out, markdown.Notice(chat.ProfileSetupAlert))
		default:
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func profileProblem(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyUserName):
		return "a name is required."
	case errors.Is(err, models.ErrUserNameTooLong):
		return fmt.Sprintf("names are limited to %d characters.", models.MaxUserNameLength)
	default:
		return err.Error()
	}
}

func (r *repl) confirm(question string) bool {
	answer, ok := r.prompt(question + " [y/N] ")
	return ok && isYes(answer)
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

func (r *repl) prompt(label string) (string, bool) {
	fmt.Fprint(r.out, label)
	if !r.in.Scan() {
		fmt.Fprintln(r.out)
		return "", false
	}
	return r.in.Text(), true
}

func (r *repl) userName() string {
	if u := r.ctrl.Sessions().Snapshot().User; u != nil {
		return u.UserName
	}
	return ""
}

func (r *repl) printHeader() {
	if u := r.ctrl.Sessions().Snapshot().User; u != nil {
		fmt.Fprintln(r.out, markdown.Notice(u.Summary()))
	}
}

func (r *repl) printTranscript() {
	snap := r.ctrl.Sessions().Snapshot()
	name := ""
	if snap.User != nil {
		name = snap.User.UserName
	}
	for _, m := range snap.Transcript {
		fmt.Fprintln(r.out, r.term.FormatMessage(m, name))
		fmt.Fprintln(r.out)
	}
}
