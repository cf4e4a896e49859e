package main

import (
	"bufio"
	"campus-chat/client"
	"campus-chat/domain"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables.
type Config struct {
	ServerURL      string `env:"CHAT_SERVER_URL,default=http://localhost:8080"`
	Token          string `env:"CHAT_TOKEN,required=true"`
	ConversationID string `env:"CHAT_CONVERSATION_ID"`
	LogLevel       string `env:"LOG_LEVEL,required=true"`
}

func main() {
	// The main function manages the OS exit code based on run()'s return.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

// run connects to the server, opens a conversation and relays stdin lines
// as messages until interrupted.
func run() (int, error) {
	// 1. Load configuration from environment variables.
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Setup context to handle termination signals (Ctrl+C).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect.
	transport, err := client.DialWs(log, config.ServerURL, config.Token)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		log.Info("Closing connection...")
		_ = transport.Close()
	}()

	session := client.NewSession(log, transport)
	defer session.Close()

	if err = session.RefreshConversations(ctx); err != nil {
		return exitRuntime, fmt.Errorf("could not list conversations: %w", err)
	}
	printConversations(session)
	if config.ConversationID != "" {
		if err = session.Select(ctx, domain.ConversationID(config.ConversationID)); err != nil {
			return exitRuntime, fmt.Errorf("could not open %s: %w", config.ConversationID, err)
		}
	}

	// 4. Render changes and read commands concurrently.
	lines := make(chan string)
	go readLines(lines)
	printed := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping client...")
			return exitOK, nil
		case <-transport.Closed():
			return exitRuntime, fmt.Errorf("connection lost")
		case <-session.Changes():
			printed = render(session, printed)
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			if err = handleLine(ctx, session, transport, line); err != nil {
				color.Red.Printf("! %v\n", err)
			}
			if strings.HasPrefix(line, "/select") || strings.HasPrefix(line, "/open") {
				printed = 0
			}
		}
	}
}

func readLines(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines <- line
		}
	}
}

// handleLine runs a slash command or sends the line to the open conversation.
func handleLine(ctx context.Context, session *client.Session, transport *client.WsTransport, line string) error {
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/list":
		if err := session.RefreshConversations(ctx); err != nil {
			return err
		}
		printConversations(session)
	case "/open":
		conversationID, err := transport.OpenDirect(ctx, domain.DirectoryID(arg))
		if err != nil {
			return err
		}
		return session.Select(ctx, conversationID)
	case "/group":
		name, members, _ := strings.Cut(arg, ":")
		var ids []domain.DirectoryID
		for _, m := range strings.Fields(members) {
			ids = append(ids, domain.DirectoryID(m))
		}
		conversationID, dropped, err := transport.CreateGroup(ctx, strings.TrimSpace(name), ids)
		if err != nil {
			return err
		}
		if len(dropped) > 0 {
			color.Yellow.Printf("~ unknown directory ids left out: %v\n", dropped)
		}
		return session.Select(ctx, conversationID)
	case "/select":
		return session.Select(ctx, domain.ConversationID(arg))
	case "/block":
		warnings, err := transport.BlockOtherParty(ctx, session.Selected())
		printWarnings(warnings)
		return err
	case "/delete":
		warnings, err := session.DeleteConversation(ctx, session.Selected())
		printWarnings(warnings)
		return err
	default:
		if session.Selected() == "" {
			return fmt.Errorf("no conversation selected, use /list then /select <id>")
		}
		sent, err := session.Send(ctx, client.Outgoing{Body: line})
		if err != nil {
			return err
		}
		printWarnings(sent.Warnings)
	}
	return nil
}

func printConversations(session *client.Session) {
	for _, c := range session.Conversations() {
		fmt.Printf("  %s  %-8s %s\n", c.ID, c.Kind, c.DisplayName)
	}
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		color.Yellow.Printf("~ %s\n", w)
	}
}

// render prints the messages not printed yet and returns the new count.
func render(session *client.Session, printed int) int {
	selected := session.Selected()
	if selected == "" {
		return 0
	}
	messages := session.Messages(selected)
	for _, m := range messages[min(printed, len(messages)):] {
		body := m.Body
		if m.AttachmentURL != "" {
			body = strings.TrimSpace(body + " [" + m.AttachmentURL + "]")
		}
		fmt.Printf("[%s] %s: %s\n",
			color.Gray.Sprint(m.CreatedAt.Local().Format(time.TimeOnly)),
			color.Cyan.Sprint(m.SenderDisplayName),
			body)
	}
	color.Gray.Printf("  (%d online)\n", session.Presence())
	return len(messages)
}
