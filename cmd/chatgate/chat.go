// ABOUTME: chat command: an interactive REPL over one gated, streaming conversation
// ABOUTME: Handles slash commands, entitlement waits and Ctrl-C to stop a reply

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/conversation"
	"github.com/2389/chatgate/internal/entitlement"
	"github.com/2389/chatgate/internal/notify"
	"github.com/2389/chatgate/internal/selection"
)

const signInHint = "You are not signed in. Mint a token with `chatgate token --subject <id>` and set auth.token (and auth.jwt_secret) in the config."

func newChatCmd(flags *globalFlags) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat. Lines you type are sent as messages.

Commands:
  /stop                 stop the reply being streamed (Ctrl-C also works)
  /model ID             select the model
  /provider ID          select the provider
  /key PROVIDER KEY     store an API key for a provider
  /history              print the conversation so far
  /quit                 leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags, chatID)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "resume the chat with this id")
	return cmd
}

func runChat(ctx context.Context, flags *globalFlags, chatID string) error {
	cfg, path, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	if chatID == "" {
		chatID = uuid.New().String()
	}
	rt, err := newRuntime(cfg, logger, chatID)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctrl, err := conversation.Open(ctx, rt.deps, chatID)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	events, _ := rt.bus.Subscribe(ctx, ctrl.ChatID())

	sel, err := rt.selection.Load(ctx)
	if err != nil {
		return err
	}
	if path == "" {
		path = "(defaults)"
	}
	signedIn := "no"
	if rt.identity.Authenticated {
		signedIn = rt.identity.SubjectID
	}
	printBanner(
		[2]string{"Config", path},
		[2]string{"Backend", cfg.Backend.URL},
		[2]string{"Chat", ctrl.ChatID()},
		[2]string{"Model", sel.ModelID + " (" + sel.ProviderID + ")"},
		[2]string{"Signed in", signedIn},
	)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	r := &repl{
		ctrl:      ctrl,
		selection: rt.selection,
		identity:  rt.identity,
		events:    events,
		out:       os.Stdout,
	}
	return r.run(ctx, readLines(os.Stdin), interrupts)
}

// readLines feeds input lines to a channel that is closed on EOF.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type repl struct {
	ctrl      *conversation.Controller
	selection *selection.Manager
	identity  chat.Identity
	events    <-chan conversation.Event
	out       io.Writer
	printer   replyPrinter
}

func (r *repl) run(ctx context.Context, lines <-chan string, interrupts <-chan os.Signal) error {
	if state := r.ctrl.State(); state.Started() {
		r.printHistory(state)
	}
	draft, err := r.selection.Draft(ctx)
	if err != nil {
		return err
	}
	if draft != "" {
		fmt.Fprintf(r.out, "%s %s\n", color.HiBlackString("draft:"), draft)
		fmt.Fprintln(r.out, color.HiBlackString("(press enter to send it)"))
	}

	prompted := false
	for {
		if !prompted {
			r.prompt()
			prompted = true
		}
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			fmt.Fprintln(r.out)
			return nil
		case ev, ok := <-r.events:
			if ok && ev.Kind == conversation.EventNotice {
				fmt.Fprintln(r.out)
				prompted = false
			}
			r.receive(ev, ok)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			prompted = false
			if strings.TrimSpace(line) == "" && draft != "" {
				line, draft = draft, ""
			}
			quit, err := r.handleLine(ctx, line, interrupts)
			if err != nil {
				fmt.Fprintf(r.out, "%s %v\n", color.RedString("error:"), err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) prompt() {
	fmt.Fprint(r.out, color.GreenString("you› "))
}

// handleLine runs one slash command or submits the line as a message.
func (r *repl) handleLine(ctx context.Context, line string, interrupts <-chan os.Signal) (bool, error) {
	if strings.HasPrefix(line, "/") {
		return r.command(ctx, line)
	}
	return false, r.submit(ctx, line, interrupts)
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/stop":
		r.ctrl.Abort()
		return false, nil
	case "/history":
		r.printHistory(r.ctrl.State())
		return false, nil
	case "/model":
		if len(fields) != 2 {
			return false, errors.New("usage: /model ID")
		}
		return false, r.selection.SetModel(ctx, fields[1])
	case "/provider":
		if len(fields) != 2 {
			return false, errors.New("usage: /provider ID")
		}
		return false, r.selection.SetProvider(ctx, fields[1])
	case "/key":
		if len(fields) != 3 {
			return false, errors.New("usage: /key PROVIDER KEY")
		}
		if err := r.selection.SetAPIKey(ctx, fields[1], fields[2]); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "API key for %s saved\n", fields[1])
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func (r *repl) submit(ctx context.Context, text string, interrupts <-chan os.Signal) error {
	res, err := r.ctrl.Submit(ctx, r.identity, text, nil)
	if errors.Is(err, chat.ErrEmptyMessage) {
		return nil
	}
	if err != nil {
		return err
	}

	switch res.Decision {
	case entitlement.Proceed:
		if res.Bootstrap != nil {
			fmt.Fprintf(r.out, "%s %s\n", color.HiBlackString("template:"), res.Bootstrap.Title)
		}
		r.streamReply(interrupts)
		return nil
	case entitlement.NeedsAuth:
		r.keepDraft(ctx, text)
		fmt.Fprintln(r.out, color.YellowString(signInHint))
		return nil
	case entitlement.NeedsEntitlement, entitlement.Pending:
		r.keepDraft(ctx, text)
		if r.awaitEntitlement(ctx, interrupts) == entitlement.Proceed {
			return r.submit(ctx, text, interrupts)
		}
		return nil
	case entitlement.TimedOut:
		r.keepDraft(ctx, text)
		fmt.Fprintln(r.out, color.YellowString(entitlement.TimedOutNotice))
		return nil
	default:
		return fmt.Errorf("unexpected gate decision %s", res.Decision)
	}
}

// keepDraft stores text so a blocked message is offered again next time.
func (r *repl) keepDraft(ctx context.Context, text string) {
	if err := r.selection.SaveDraft(ctx, text); err != nil {
		fmt.Fprintf(r.out, "%s %v\n", color.RedString("error:"), err)
	}
}

// awaitEntitlement polls until the subscription is active. Ctrl-C abandons
// the wait without leaving the chat.
func (r *repl) awaitEntitlement(ctx context.Context, interrupts <-chan os.Signal) entitlement.Decision {
	fmt.Fprintln(r.out, color.YellowString("An active subscription is required. Waiting for it to become active (Ctrl-C to stop waiting)..."))

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-interrupts:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	d := r.ctrl.AwaitEntitlement(pollCtx, r.identity)
	// the gate raises its own notice when the poll gives up
	r.drainEvents()
	switch {
	case d == entitlement.Proceed:
		fmt.Fprintln(r.out, color.GreenString("Subscription active."))
	case d != entitlement.TimedOut && pollCtx.Err() != nil:
		fmt.Fprintln(r.out, color.HiBlackString("Stopped waiting."))
	}
	return d
}

// streamReply prints the reply as it arrives until the stream settles.
// Ctrl-C stops the reply.
func (r *repl) streamReply(interrupts <-chan os.Signal) {
	settled := make(chan struct{})
	go func() {
		r.ctrl.Wait()
		close(settled)
	}()

	r.printer.reset()
	for {
		select {
		case ev, ok := <-r.events:
			r.receive(ev, ok)
		case <-interrupts:
			r.ctrl.Abort()
		case <-settled:
			r.drainEvents()
			state := r.ctrl.State()
			r.printer.update(r.out, state)
			r.printer.finish(r.out)
			if state.Aborted {
				fmt.Fprintln(r.out, color.HiBlackString("(stopped)"))
			}
			return
		}
	}
}

func (r *repl) drainEvents() {
	for r.events != nil {
		select {
		case ev, ok := <-r.events:
			r.receive(ev, ok)
		default:
			return
		}
	}
}

// receive handles one read from the event channel. A closed channel is
// dropped so later selects block on it instead of spinning.
func (r *repl) receive(ev conversation.Event, ok bool) {
	if !ok {
		r.events = nil
		return
	}
	r.handleEvent(ev)
}

func (r *repl) handleEvent(ev conversation.Event) {
	switch ev.Kind {
	case conversation.EventState:
		r.printer.update(r.out, ev.State)
	case conversation.EventNotice:
		r.printer.finish(r.out)
		printNotice(r.out, ev.Notice)
	}
}

func (r *repl) printHistory(state chat.State) {
	for _, m := range chat.VisibleMessages(state.Messages) {
		_, _, text, _ := chat.SplitPrefix(m.Text())
		switch m.Role {
		case chat.RoleUser:
			fmt.Fprintf(r.out, "%s%s\n", color.GreenString("you› "), text)
		case chat.RoleAssistant:
			fmt.Fprintf(r.out, "%s%s\n", color.CyanString("assistant› "), text)
		}
	}
}

func printNotice(w io.Writer, n notify.Notice) {
	switch n.Level {
	case notify.LevelError:
		fmt.Fprintln(w, color.RedString("! "+n.Message))
	case notify.LevelWarning:
		fmt.Fprintln(w, color.YellowString("! "+n.Message))
	default:
		fmt.Fprintln(w, color.HiBlackString(n.Message))
	}
}

// replyPrinter writes the growing assistant message incrementally.
type replyPrinter struct {
	msgID   string
	printed int
	open    bool
}

func (p *replyPrinter) reset() {
	*p = replyPrinter{}
}

// update prints whatever part of the last assistant message has not been
// printed yet. Earlier messages are never printed.
func (p *replyPrinter) update(w io.Writer, state chat.State) {
	msgs := state.Messages
	if len(msgs) == 0 || len(msgs) <= len(state.InitialMessages) && !state.Streaming {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant {
		return
	}
	if last.ID != p.msgID {
		p.finish(w)
		p.msgID, p.printed = last.ID, 0
	}
	text := last.Text()
	if len(text) <= p.printed {
		return
	}
	if !p.open {
		fmt.Fprint(w, color.CyanString("assistant› "))
		p.open = true
	}
	fmt.Fprint(w, text[p.printed:])
	p.printed = len(text)
}

// finish ends the current reply line.
func (p *replyPrinter) finish(w io.Writer) {
	if p.open {
		fmt.Fprintln(w)
		p.open = false
	}
}
