package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/luciancaetano/tether"
	"github.com/luciancaetano/tether/internal/chat"
	"github.com/luciancaetano/tether/internal/config"
	"github.com/luciancaetano/tether/internal/logging"
	"github.com/luciancaetano/tether/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tether-chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a .toml or .yaml config file")
	url := flag.String("url", "", "Override the server URL")
	name := flag.String("name", "", "Display name to use after joining")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *url != "" {
		cfg.Client.URL = *url
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "chat> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	logCfg := cfg.ToLogging()
	logCfg.Out = rl.Stderr()
	logger := logging.New("tether-chat", logCfg)

	client := ws.NewClient(cfg.Client.URL, cfg.ToClient(&logger))
	registerPrinters(client, rl.Stdout())
	client.OnConnected(func(resumed bool) {
		if resumed {
			fmt.Fprintln(rl.Stdout(), "* reconnected")
		}
	})
	client.OnDisconnected(func() {
		fmt.Fprintln(rl.Stdout(), "* disconnected, press Enter to exit")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Client.URL, err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			logger.Debug().Err(err).Msg("disconnect")
		}
	}()

	if *name != "" {
		_ = client.Send(context.Background(), chat.EventSetName, chat.SetName{Name: *name})
	}

	printHelp(rl.Stdout())
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		if client.State() == ws.StateClosed {
			return nil
		}
		if quit := handleLine(client, rl.Stdout(), strings.TrimSpace(line)); quit {
			return nil
		}
	}
}

func registerPrinters(client *ws.Client, out io.Writer) {
	tether.On(client, chat.EventWelcome, func(u chat.User) {
		fmt.Fprintf(out, "* joined as %s\n", u.Name)
	})
	tether.On(client, chat.EventMessage, func(msg chat.Message) {
		fmt.Fprintf(out, "[%s] %s: %s\n", msg.Timestamp.Local().Format("15:04:05"), msg.From, msg.Text)
	})
	tether.On(client, chat.EventUserJoined, func(u chat.User) {
		fmt.Fprintf(out, "* %s is here\n", u.Name)
	})
	tether.On(client, chat.EventUserLeft, func(u chat.User) {
		fmt.Fprintf(out, "* %s left\n", u.Name)
	})
	tether.On(client, chat.EventUsers, func(users []chat.User) {
		fmt.Fprintf(out, "* %d online:\n", len(users))
		for _, u := range users {
			fmt.Fprintf(out, "    %s (since %s)\n", u.Name, u.JoinedAt.Local().Format("15:04"))
		}
	})
}

// handleLine runs one input line and reports whether the user quit.
func handleLine(client *ws.Client, out io.Writer, input string) bool {
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		send(client, out, chat.EventMessage, chat.Message{Text: input})
		return false
	}

	parts := strings.Fields(input)
	switch strings.ToLower(parts[0]) {
	case "/help", "/?":
		printHelp(out)
	case "/name":
		if len(parts) < 2 {
			fmt.Fprintln(out, "usage: /name <name>")
			return false
		}
		send(client, out, chat.EventSetName, chat.SetName{Name: strings.Join(parts[1:], " ")})
	case "/users", "/who":
		send(client, out, chat.EventGetUsers, nil)
	case "/ping":
		if ms := client.Latency(); ms >= 0 {
			fmt.Fprintf(out, "* round trip %dms\n", ms)
		} else {
			fmt.Fprintln(out, "* no measurement yet")
		}
	case "/quit", "/exit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %s\n", parts[0])
	}
	return false
}

func send(client *ws.Client, out io.Writer, eventType string, payload any) {
	if err := client.Send(context.Background(), eventType, payload); err != nil {
		fmt.Fprintf(out, "* not sent: %v\n", err)
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Type a message and press Enter to send it.")
	fmt.Fprintln(out, "  /name <name>  change your display name")
	fmt.Fprintln(out, "  /users        list who is online")
	fmt.Fprintln(out, "  /ping         show the last round trip time")
	fmt.Fprintln(out, "  /quit         leave")
}
