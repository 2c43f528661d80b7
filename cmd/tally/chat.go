package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/metalagman/tally/internal/app"
	"github.com/metalagman/tally/internal/assistant"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant in the terminal",
		Long:  "Talk to the assistant in the terminal. Type /confirm to confirm on screen, /cancel to drop a pending request and /quit to leave.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var a *assistant.Assistant
			fxApp := fx.New(app.Core(cfg), fx.NopLogger, fx.Populate(&a))
			startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := fxApp.Start(startCtx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = fxApp.Stop(stopCtx)
			}()
			return runChat(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// Conversation is what the REPL talks to.
type Conversation interface {
	HandleTurn(ctx context.Context, utterance string) assistant.Reply
	ConfirmOnScreen(ctx context.Context) assistant.Reply
	Cancel() assistant.Reply
	Subscribe() (<-chan assistant.Notification, func())
}

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	replyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

// console serializes writes from the REPL and the notification stream.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func runChat(ctx context.Context, conv Conversation, in io.Reader, out io.Writer) error {
	con := &console{out: out}
	notes, unsubscribe := conv.Subscribe()
	defer unsubscribe()
	go func() {
		for n := range notes {
			con.println(noticeStyle.Render("· " + n.Text))
		}
	}()

	con.println(promptStyle.Render("tally") + " 说点什么吧，/quit 退出")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		var r assistant.Reply
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/confirm":
			r = conv.ConfirmOnScreen(ctx)
		case "/cancel":
			r = conv.Cancel()
		default:
			r = conv.HandleTurn(ctx, line)
		}
		con.println(renderReply(r))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func renderReply(r assistant.Reply) string {
	style := replyStyle
	switch {
	case r.RedirectRoute != "":
		style = blockedStyle
	case r.Pending:
		style = pendingStyle
	}
	text := style.Render(r.Text)
	if r.RedirectRoute != "" {
		text += "\n" + noticeStyle.Render("→ "+r.RedirectRoute)
	}
	return promptStyle.Render("»") + " " + text
}
