package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"chatclient/internal/backend"
	"chatclient/internal/chat"
	"chatclient/internal/config"
	"chatclient/internal/logging"
	"chatclient/internal/metrics"
	"chatclient/internal/orchestrator"
	"chatclient/internal/store"
)

type modelOption struct {
	name        string
	description string
	id          string
}

var modelOptions = []modelOption{
	{
		name:        "Default (Sonnet 4.5)",
		description: "Smartest model for daily use",
		id:          "claude-sonnet-4-5-20250929",
	},
	{
		name:        "Opus 4.1",
		description: "For complex tasks · Reaches usage limits faster",
		id:          "claude-opus-4-1-20250805",
	},
	{
		name:        "Haiku 4.5",
		description: "Fast and lightweight · Most cost-effective",
		id:          "claude-haiku-4-5-20251001",
	},
}

// localIdentity hands out one caller id per process. The real auth
// collaborator lives server-side; the client only needs a stable handle.
type localIdentity struct {
	once sync.Once
	id   string
}

func (l *localIdentity) Ensure(ctx context.Context) (string, error) {
	l.once.Do(func() { l.id = "user_" + chat.NewConversationID() })
	return l.id, nil
}

func parseLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "info":
		return logging.LevelInfo
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelOff
	}
}

func main() {
	app := &cli.App{
		Name:  "chatclient",
		Usage: "Streaming chat client with local persistence and multi-device sync",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "./config.yaml",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model id override",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (empty = off)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadEffective(c.String("config"))
	if err != nil {
		return err
	}
	if m := c.String("model"); m != "" {
		cfg.Chat.Model = m
	}

	logger := logging.New(parseLevel(cfg.Logging.Level), os.Stderr)

	if addr := c.String("metrics-addr"); addr != "" {
		metrics.Register(prometheus.DefaultRegisterer)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	st, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	client := backend.NewClient(cfg.Backend.URL,
		backend.WithTokenSource(backend.StaticToken(cfg.Backend.APIKey)),
		backend.WithLogger(logger),
	)

	assistant := color.New(color.FgCyan)
	dim := color.New(color.Faint)
	errc := color.New(color.FgRed)

	orch := orchestrator.New(client, st, &localIdentity{}, orchestrator.Config{
		Model:           cfg.Chat.Model,
		ReasoningEffort: cfg.Chat.ReasoningEffort,
		SystemPrompt:    cfg.Chat.SystemPrompt,
		WebSearch:       cfg.Chat.WebSearch,
		WriteInterval:   cfg.WriteInterval(),
		SuppressCycles:  cfg.Stream.SuppressCycles,
		Logger:          logger,
	})

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	if cfg.Backend.WatchURL != "" {
		watcher, err := store.DialWatcher(ctx, cfg.Backend.WatchURL, logger)
		if err != nil {
			logger.Warn("change feed unavailable", "error", err)
		} else {
			defer watcher.Close()
			go orch.Watch(ctx, watcher)
		}
	}

	dim.Println("chatclient ready. /help for commands.")
	return repl(ctx, orch, st, assistant, dim, errc)
}

func repl(ctx context.Context, orch *orchestrator.Orchestrator, st *store.PebbleStore, assistant, dim, errc *color.Color) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil

		case line == "/help":
			dim.Println("  <text>           send a message")
			dim.Println("  /regen           regenerate the last answer")
			dim.Println("  /edit <id> <txt> edit a past message and resend")
			dim.Println("  /fork <id>       fork the conversation at a message")
			dim.Println("  /open <conv>     switch conversations")
			dim.Println("  /list            list conversations")
			dim.Println("  /models          list available models")
			dim.Println("  /new             start a fresh conversation")
			dim.Println("  /quit            exit")

		case line == "/models":
			for _, opt := range modelOptions {
				fmt.Printf("  %-22s %s\n", opt.id, dim.Sprint(opt.description))
			}

		case line == "/list":
			convs, err := st.Conversations(ctx)
			if err != nil {
				errc.Println(err)
				continue
			}
			for _, conv := range convs {
				title := conv.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("  %s  %s  %s\n", conv.ID, title, dim.Sprintf("%d messages", conv.MessageCount))
			}

		case line == "/new":
			if _, err := orch.Navigate(ctx, ""); err != nil {
				errc.Println(err)
			}

		case strings.HasPrefix(line, "/open "):
			convID := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			msgs, err := orch.Navigate(ctx, convID)
			if err != nil {
				errc.Println(err)
				continue
			}
			for _, m := range msgs {
				printMessage(m, assistant, dim)
			}

		case line == "/regen":
			res, err := orch.Regenerate(ctx, orch.DisplayedID(), "", orchestrator.Overrides{})
			if err != nil {
				errc.Println(err)
				continue
			}
			printParts(res.Parts, assistant, dim)

		case strings.HasPrefix(line, "/edit "):
			fields := strings.SplitN(strings.TrimPrefix(line, "/edit "), " ", 2)
			if len(fields) != 2 {
				errc.Println("usage: /edit <message-id> <new text>")
				continue
			}
			res, err := orch.EditAndResend(ctx, orch.DisplayedID(), fields[0], fields[1], orchestrator.Overrides{})
			if err != nil {
				errc.Println(err)
				continue
			}
			printParts(res.Parts, assistant, dim)

		case strings.HasPrefix(line, "/fork "):
			msgID := strings.TrimSpace(strings.TrimPrefix(line, "/fork "))
			conv, err := orch.Fork(ctx, orch.DisplayedID(), msgID)
			if err != nil {
				errc.Println(err)
				continue
			}
			dim.Printf("forked into %s\n", conv.ID)

		default:
			res, err := orch.Send(ctx, orch.DisplayedID(), line, nil)
			if err != nil {
				errc.Println(err)
				continue
			}
			if res.Aborted {
				dim.Println("(stopped)")
			}
			printParts(res.Parts, assistant, dim)
		}
	}
}

func printMessage(m chat.Message, assistant, dim *color.Color) {
	if m.IsAssistant() {
		printParts(m.Parts, assistant, dim)
		return
	}
	fmt.Printf("%s %s\n", dim.Sprint("you:"), m.FirstText())
}

func printParts(parts []chat.Part, assistant, dim *color.Color) {
	for _, p := range parts {
		switch {
		case p.IsReasoning():
			if p.Duration > 0 {
				dim.Printf("[thought for %ds]\n", p.Duration)
			} else {
				dim.Println("[thought]")
			}
		case p.IsTool():
			dim.Printf("[tool %s: %s]\n", p.ToolName, p.State)
		case p.IsText() && p.Text != "":
			assistant.Println(p.Text)
		}
	}
}
