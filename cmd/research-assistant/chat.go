package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mikeboe/research-assistant/pkg/chat"
)

var (
	accentColor = lipgloss.Color("69")

	promptStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	answerStyle  = lipgloss.NewStyle().PaddingLeft(2)
	sourceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
)

const chatHelp = `Commands:
  /web [on|off]     toggle web search
  /files [on|off]   toggle document search
  /tools            show enabled search sources
  /history          show the conversation
  /reset            clear the conversation
  /quit             exit`

type chatLoop struct {
	svc  *chat.Service
	sess *chat.Session
	in   io.Reader
	out  io.Writer

	// ask runs one turn; the CLI wraps it in a spinner.
	ask func(ctx context.Context, question string) (chat.Answer, error)
}

func newChatLoop(svc *chat.Service, sess *chat.Session, in io.Reader, out io.Writer) *chatLoop {
	l := &chatLoop{svc: svc, sess: sess, in: in, out: out}
	l.ask = func(ctx context.Context, question string) (chat.Answer, error) {
		return svc.Ask(ctx, sess, question)
	}
	return l
}

func (l *chatLoop) run(ctx context.Context) error {
	fmt.Fprintln(l.out, titleStyle.Render(l.sess.Title()))
	fmt.Fprintln(l.out, sourceStyle.Render("Type a question, or /help for commands."))
	l.printTools()

	scanner := bufio.NewScanner(l.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(l.out, promptStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(l.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := l.command(ctx, line)
			if err != nil {
				fmt.Fprintln(l.out, errorStyle.Render(err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}

		l.turn(ctx, line)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (l *chatLoop) turn(ctx context.Context, question string) {
	answer, err := l.ask(ctx, question)
	switch {
	case err == nil:
		fmt.Fprintln(l.out, answerStyle.Render(answer.Text))
		if s := renderSources(answer); s != "" {
			fmt.Fprintln(l.out, sourceStyle.Render(s))
		}
	case chat.IsValidationError(err):
		fmt.Fprintln(l.out, warningStyle.Render(err.Error()))
	default:
		// A failed runtime call leaves its error marker as the last turn.
		// Other errors, such as an interrupted spinner, did not finish the turn.
		var ece *chat.ExternalCallError
		if errors.As(err, &ece) {
			if last, ok := l.sess.Conversation.Last(); ok && last.Role == chat.RoleAssistant {
				fmt.Fprintln(l.out, errorStyle.Render(last.Content))
				return
			}
		}
		fmt.Fprintln(l.out, errorStyle.Render(err.Error()))
	}
}

func (l *chatLoop) command(ctx context.Context, line string) (bool, error) {
	name, arg := parseCommand(line)
	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		fmt.Fprintln(l.out, chatHelp)
	case "web", "files":
		sel := l.sess.Tools.Get()
		current := sel.WebSearchEnabled
		if name == "files" {
			current = sel.FileSearchEnabled
		}
		next, err := parseToggle(current, arg)
		if err != nil {
			return false, err
		}
		if name == "web" {
			l.svc.SetTools(ctx, l.sess, &next, nil)
		} else {
			l.svc.SetTools(ctx, l.sess, nil, &next)
		}
		l.printTools()
	case "tools":
		l.printTools()
	case "history":
		for _, t := range l.sess.Conversation.All() {
			fmt.Fprintf(l.out, "%s %s\n", promptStyle.Render(string(t.Role)+":"), t.Content)
		}
	case "reset":
		if err := l.svc.Reset(ctx, l.sess); err != nil {
			return false, err
		}
		fmt.Fprintln(l.out, sourceStyle.Render("Conversation cleared."))
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

func (l *chatLoop) printTools() {
	sel := l.sess.Tools.Get()
	fmt.Fprintf(l.out, "Web search: %s  Document search: %s\n", onOff(sel.WebSearchEnabled), onOff(sel.FileSearchEnabled))
	if err := sel.Validate(); err != nil {
		fmt.Fprintln(l.out, warningStyle.Render(err.Error()))
	}
}

func parseCommand(line string) (string, string) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return "", ""
	}
	name := strings.ToLower(fields[0])
	if len(fields) == 1 {
		return name, ""
	}
	return name, strings.ToLower(fields[1])
}

var errBadToggle = errors.New("expected on or off")

// parseToggle flips current when arg is empty.
func parseToggle(current bool, arg string) (bool, error) {
	switch arg {
	case "":
		return !current, nil
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	default:
		return current, errBadToggle
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// renderSources lists grounding sources not already linked in the answer text.
func renderSources(answer chat.Answer) string {
	var lines []string
	for i, src := range answer.Sources {
		if strings.Contains(answer.Text, src.URI) {
			continue
		}
		title := src.Title
		if title == "" {
			title = src.URI
		}
		lines = append(lines, fmt.Sprintf("[%d] %s <%s>", i+1, title, src.URI))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Sources:\n" + strings.Join(lines, "\n")
}
