package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bdobrica/chatsync/common/environment"
	"github.com/bdobrica/chatsync/common/observability"
	"github.com/bdobrica/chatsync/common/version"
	"github.com/bdobrica/chatsync/internal/chatsync/chat"
	"github.com/bdobrica/chatsync/internal/chatsync/config"
	"github.com/bdobrica/chatsync/internal/chatsync/session"
	"github.com/bdobrica/chatsync/internal/chatsync/store"
	"github.com/bdobrica/chatsync/internal/chatsync/transport"
	"github.com/bdobrica/chatsync/internal/chatsync/widget"
)

func main() {
	configPath := flag.String("config", environment.StringOr("CHATSYNC_CONFIG", ""), "path to a YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	fmt.Printf("chatsync terminal client\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open local storage: %w", err)
	}
	defer db.Close()

	sessions := session.NewStore(session.NewSQLiteStorage(db), session.Options{
		MaxAge: cfg.SessionMaxAge,
		Logger: logger,
	})
	client := transport.New(cfg.BaseURL, transport.Options{Timeout: cfg.HTTPTimeout})

	w := widget.New(ctx, client, sessions, widget.Options{
		Welcome:      cfg.WelcomeMessage,
		ReplyTimeout: cfg.ReplyTimeout,
		Policy:       cfg.PollPolicy(),
		RateLimit:    cfg.RateLimitPolicy(),
		Logger:       logger,
	})
	w.Open(ctx)
	defer w.Close()

	fmt.Fprintln(out, "Type a message and press enter. Commands: /reset, /status, /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	v := newView(out)
	v.render(w.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Changes():
			v.render(w.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit", "/exit":
				return nil
			case "/reset":
				w.Reset(ctx)
			case "/status":
				v.status(w.Snapshot())
			default:
				// Send blocks until the confirmation fetch is done;
				// run it off the input loop so replies keep rendering.
				go func(text string) {
					if err := w.Send(ctx, text); err != nil && !errors.Is(err, widget.ErrBlankMessage) {
						fmt.Fprintf(out, "! %v\n", err)
					}
				}(line)
			}
		}
	}
}

// view prints each message once.
type view struct {
	out       io.Writer
	sessionID string
	printed   map[string]bool
	waiting   bool
}

func newView(out io.Writer) *view {
	return &view{out: out, printed: make(map[string]bool)}
}

func (v *view) render(st widget.State) {
	if st.SessionID != v.sessionID {
		if v.sessionID != "" {
			fmt.Fprintln(v.out, "--- new conversation ---")
		}
		v.sessionID = st.SessionID
		v.printed = make(map[string]bool)
	}
	for _, m := range st.Messages {
		if v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		fmt.Fprintf(v.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), label(m.Role), m.Text)
	}
	if st.AwaitingReply && !v.waiting {
		fmt.Fprintln(v.out, "... waiting for a reply")
	}
	v.waiting = st.AwaitingReply
}

func (v *view) status(st widget.State) {
	fmt.Fprintf(v.out, "session=%s messages=%d operator=%t waiting=%t rate_limited=%t completed=%t\n",
		st.SessionID, len(st.Messages), st.OperatorMode, st.AwaitingReply, st.RateLimited, st.Completed)
}

func label(r chat.Role) string {
	switch r {
	case chat.RoleUser:
		return "you"
	case chat.RoleOperator:
		return "agent"
	default:
		return "assistant"
	}
}
