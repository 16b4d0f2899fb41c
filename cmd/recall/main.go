package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/recall/internal/config"
	"github.com/stellarlinkco/recall/internal/engine"
	"github.com/stellarlinkco/recall/internal/llm"
	"github.com/stellarlinkco/recall/internal/maintain"
	"github.com/stellarlinkco/recall/internal/session"
	"github.com/stellarlinkco/recall/internal/store"
	"github.com/stellarlinkco/recall/internal/tokens"
)

func main() {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Bounded conversational context engine",
	}
	root.AddCommand(chatCmd(), sessionsCmd(), statusCmd(), maintainCmd(), onboardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured database and attaches the embedder when
// embeddings are enabled.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPathOrDefault())
	if err != nil {
		return nil, err
	}
	if cfg.Embedding.Enabled {
		st.SetEmbedder(store.NewHTTPEmbedder(cfg.Embedding), cfg.Embedding.Model)
	}
	return st, nil
}

func chatCmd() *cobra.Command {
	var (
		message   string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation (or send one message with -m)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			client, err := llm.NewClient(cfg)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			conv := engine.New(cfg, client, st)
			if sessionID != "" {
				if err := conv.Load(sessionID); err != nil {
					return err
				}
			}

			svc := maintain.NewService(cfg.Maintenance, st)
			if err := svc.Start(); err != nil {
				log.Printf("[recall] maintenance disabled: %v", err)
			} else {
				defer svc.Stop()
			}

			ctx := cmd.Context()
			if message != "" {
				if err := exchange(ctx, cfg, conv, client, message); err != nil {
					return err
				}
				return conv.Save()
			}
			return repl(ctx, cfg, conv, client)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume a saved session by id")
	return cmd
}

// exchange runs one user turn through assembly, completion and recording.
func exchange(ctx context.Context, cfg *config.Config, conv *engine.Conversation, client *llm.Client, text string) error {
	conv.AddUserMessage(text)

	budget := tokens.ContextLimit(cfg.Agent.Model) - tokens.OutputReserve
	msgs := conv.BuildRequest(ctx, budget, true)
	prompt, system := flatten(msgs)

	reply, err := client.Complete(ctx, prompt, system, cfg.Agent.MaxTokens, cfg.Agent.Temperature)
	if err != nil {
		conv.RecordError()
		return fmt.Errorf("completion failed: %w", err)
	}

	conv.AddAssistantMessage(reply)
	fmt.Println(reply)
	return nil
}

// flatten turns assembled messages into a single prompt plus system text,
// the shape the one-shot completion API expects.
func flatten(msgs []engine.Message) (prompt, system string) {
	var sys, conv strings.Builder
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(m.Text)
			continue
		}
		conv.WriteString("[")
		conv.WriteString(m.Role)
		conv.WriteString("]: ")
		conv.WriteString(m.Text)
		conv.WriteString("\n")
	}
	return strings.TrimSpace(conv.String()), sys.String()
}

func repl(ctx context.Context, cfg *config.Config, conv *engine.Conversation, client *llm.Client) error {
	fmt.Printf("recall session %s (model %s). /stats, /clear, /exit\n", conv.ID(), cfg.Agent.Model)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/exit", "/quit":
			if err := conv.Save(); err != nil {
				log.Printf("[recall] save session: %v", err)
			}
			return scanner.Err()
		case "/clear":
			conv.Clear()
			fmt.Println("window cleared")
			continue
		case "/stats":
			printStats(conv.Stats(), conv.UsageReport(""))
			continue
		}

		if err := exchange(ctx, cfg, conv, client, line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	if err := conv.Save(); err != nil {
		log.Printf("[recall] save session: %v", err)
	}
	return scanner.Err()
}

func printStats(st session.Stats, usage tokens.UsageReport) {
	fmt.Printf("session   %s (%s)\n", st.SessionID, st.Agent)
	fmt.Printf("window    %d messages, %d evictions\n", st.MessageCount, st.Evictions)
	fmt.Printf("tokens    in=%d out=%d, context %.1f%% of %d available\n",
		st.InputTokens, st.OutputTokens, usage.UsagePercent, usage.Available)
	fmt.Printf("cost      $%.4f, errors %d, elapsed %s\n", st.Cost, st.ErrorCount, st.Elapsed.Round(1e9))
}

func sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			infos, err := st.ListSessions(limit)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no saved sessions")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%s  %-12s %4d msgs  saved %s\n",
					info.ID, info.Agent, info.Messages, info.SavedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.Snapshot()
			if err != nil {
				return err
			}

			fmt.Printf("model       %s (context %d, reserve %d)\n",
				cfg.Agent.Model, tokens.ContextLimit(cfg.Agent.Model), tokens.OutputReserve)
			fmt.Printf("window      capacity %d, compression %.2f\n",
				cfg.Window.Capacity, cfg.Window.CompressionRatio)
			fmt.Printf("retrieval   max %d, threshold %.2f, budget %.0f%%, session-scoped %v\n",
				cfg.Retrieval.MaxResults, cfg.Retrieval.RelevanceThreshold,
				cfg.Retrieval.MemoryBudgetFraction*100, cfg.Retrieval.SessionScoped)
			fmt.Printf("embeddings  enabled=%v model=%s\n", cfg.Embedding.Enabled, cfg.Embedding.Model)
			fmt.Printf("store       %s\n", cfg.DBPathOrDefault())
			fmt.Printf("summaries   %d active, %d archived\n", snap.SummariesActive, snap.SummariesArchived)
			fmt.Printf("sessions    %d saved\n", snap.Sessions)
			return nil
		},
	}
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one decay sweep over stored summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := maintain.NewService(cfg.Maintenance, st)
			archived, err := svc.RunOnce()
			if err != nil {
				return err
			}
			fmt.Printf("archived %d decayed summaries\n", archived)
			return nil
		},
	}
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(config.ConfigPath()); err == nil {
				fmt.Printf("config already exists: %s\n", config.ConfigPath())
				return nil
			}

			cfg := config.DefaultConfig()
			if err := cfg.Save(); err != nil {
				return err
			}
			if err := os.MkdirAll(config.ConfigDir()+"/data", 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			fmt.Printf("wrote %s\n", config.ConfigPath())
			fmt.Println("set provider.apiKey (or RECALL_API_KEY) before chatting")
			return nil
		},
	}
}
