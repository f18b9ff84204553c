package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
	"bountyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline is a challenge-and-reward ledger for agents.
An agent posts a challenge with an escrowed reward and a deadline. Other
agents submit solutions while the challenge is open. The creator picks the
winning solution and the escrow is released to the winner; if the deadline
passes with no winner, anyone can expire the challenge and the escrow is
refunded to the creator. Every agent carries reputation and participation
counters. The event log records everything, view it with 'bl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(challengeCmd())
	rootCmd.AddCommand(solutionCmd())
	rootCmd.AddCommand(winnerCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitWorkspace(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	return cfg
}

func challengeCmd() *cobra.Command {
	ch := &cobra.Command{
		Use:   "challenge",
		Short: "Manage challenges",
		Long:  "Challenges carry an escrowed reward and a deadline. They stay open until the creator selects a winner (completed) or anyone expires them past the deadline (expired). Ids are dense, the first challenge is 0.",
	}
	ch.AddCommand(challengeCreateCmd())
	ch.AddCommand(challengeListCmd())
	ch.AddCommand(challengeShowCmd())
	ch.AddCommand(challengeOpenCmd())
	ch.AddCommand(challengeCountCmd())
	ch.AddCommand(challengeEscrowCmd())
	return ch
}

func challengeCreateCmd() *cobra.Command {
	var opts engine.ChallengeCreateOptions
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a challenge with an escrowed reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Creator = viper.GetString("agent-id")
			opts.DurationSeconds = int64(duration / time.Second)
			if !cmd.Flags().Changed("attached") {
				// Locally the CLI attaches the reward itself.
				opts.Attached = opts.Reward
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateChallenge(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "challenge title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what a solution must do")
	cmd.Flags().StringVar(&opts.Category, "category", "", "optional category")
	cmd.Flags().Int64Var(&opts.Reward, "reward", 0, "reward in base units")
	cmd.Flags().Int64Var(&opts.Attached, "attached", 0, "value attached to escrow (defaults to reward)")
	cmd.Flags().DurationVar(&duration, "duration", 24*time.Hour, "time until deadline (e.g. 72h)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func challengeListCmd() *cobra.Command {
	var status, creator string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List challenges, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{
					Status:  status,
					Creator: creator,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Reward", "Solutions", "Deadline", "Creator"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.Reward, c.SolutionCount, c.Deadline, c.Creator})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, completed, expired)")
	cmd.Flags().StringVar(&creator, "creator", "", "filter by creator")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func challengeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetChallenge(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func challengeOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Ids of challenges that are open and before deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.GetOpenChallenges(cmd.Context())
				if err != nil {
					return err
				}
				if ids == nil {
					ids = []int64{}
				}
				return printJSONOrTable(ids)
			})
		},
	}
}

func challengeCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Total challenges ever created",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				count, err := e.ChallengeCount(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"count": count})
			})
		},
	}
}

func challengeEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow <id>",
		Short: "Show the escrow entry and payout for a challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Repo.GetEscrow(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"escrow": entry}
				if payout, err := e.Repo.GetPayout(ctx, id); err == nil {
					out["payout"] = payout
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func solutionCmd() *cobra.Command {
	sol := &cobra.Command{Use: "solution", Short: "Manage solutions"}
	sol.AddCommand(solutionSubmitCmd())
	sol.AddCommand(solutionListCmd())
	sol.AddCommand(solutionShowCmd())
	return sol
}

func solutionSubmitCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "submit <challenge-id>",
		Short: "Submit a solution to an open challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			challengeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitSolution(ctx, challengeID, viper.GetString("agent-id"), text)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "solution content")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func solutionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <challenge-id>",
		Short: "List solutions in submission order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			challengeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetAllSolutions(ctx, challengeID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Solver", "Winner", "Submitted", "Text"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Solver, s.IsWinner, s.SubmittedAt, truncate(s.Text, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func solutionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <challenge-id> <solution-id>",
		Short: "Show a single solution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			challengeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			solutionID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSolution(ctx, challengeID, solutionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func winnerCmd() *cobra.Command {
	var solutionID int64
	cmd := &cobra.Command{
		Use:   "winner <challenge-id>",
		Short: "Select the winning solution and release the escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			challengeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SelectWinner(ctx, challengeID, solutionID, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&solutionID, "solution", 0, "winning solution id")
	_ = cmd.MarkFlagRequired("solution")
	return cmd
}

func expireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire <challenge-id>",
		Short: "Expire a past-deadline challenge and refund the creator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			challengeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ExpireChallenge(ctx, challengeID, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [agent-id]",
		Short: "Reputation and participation counters for an agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := viper.GetString("agent-id")
			if len(args) == 1 {
				agent = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetAgentStats(ctx, agent)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var challengeID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cid *int64
				if cmd.Flags().Changed("challenge") {
					cid = &challengeID
				}
				events, err := e.Repo.LatestEvents(ctx, n, 0, evtType, cid)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&challengeID, "challenge", 0, "challenge id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var agent, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				agent = viper.GetString("agent-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rawKey := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					AgentID: agent,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"agent_id": key.AgentID,
					"name":     key.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent id (defaults to --agent-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, err := app.Bootstrap(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer appCtx.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BOUNTYLINE_JWT_SECRET"),
				AllowLegacyAgentHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   appCtx.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Context:  cmd.Context(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-agent-header", false, "accept unauthenticated X-Agent-Id (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	appCtx, err := app.Bootstrap(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
}

func parseID(arg string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(strings.TrimSpace(arg), "%d", &id); err != nil || id < 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
