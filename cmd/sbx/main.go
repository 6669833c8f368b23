package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signalbox/internal/app"
	"signalbox/internal/config"
	"signalbox/internal/domain"
	"signalbox/internal/mirror"
	"signalbox/internal/server"
	"signalbox/internal/store"
	signalboxsdk "signalbox/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sbx",
	Short: "Signalbox CLI",
	Long: `Signalbox watches train positions, flags block conflicts and proposes
advice that an operator accepts or a supervisor signs off.

- serve runs the tick loop and the HTTP/WebSocket API.
- tickets, kpis and ticket actions talk to a running server.
- audit tail reads the persisted audit trail directly from the SQLite store.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNALBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.Path("."), "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("url", "http://127.0.0.1:8080", "API server URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the API")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret (prefer SIGNALBOX_JWT_SECRET)")
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(topologyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(ticketsCmd())
	rootCmd.AddCommand(kpisCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(mirrorCmd())
}

// loadConfig reads the config file, falling back to defaults when it is
// missing. SIGNALBOX_JWT_SECRET overrides auth.jwt_secret.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tick loop and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Store.Path = dbPath
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("SIGNALBOX_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			rt, err := app.Build(cmd.Context(), cfg, app.Options{Logger: logger, Version: version})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				rt.Run(ctx)
			}()

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: rt.Handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving signalbox on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			err = srv.ListenAndServe()
			cancel()
			<-done
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite path (overrides store.path)")
	return cmd
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default signalbox.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func topologyCmd() *cobra.Command {
	topo := &cobra.Command{Use: "topology", Short: "Inspect the configured track topology"}
	topo.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config and list tracks and seed trains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if _, err := app.SeedSim(cfg); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true, "tracks": app.Tracks(cfg), "trains": cfg.Trains})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Track", "From", "To", "Speed limit"})
			for _, t := range app.Tracks(cfg) {
				tw.AppendRow(table.Row{t.ID, formatPoint(t.From), formatPoint(t.To), t.SpeedLimit})
			}
			tw.Render()
			tw = table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Train", "Priority", "Speed", "Waypoints", "Loop"})
			for _, t := range cfg.Trains {
				tw.AppendRow(table.Row{t.ID, t.Priority, t.Speed, len(t.Route), t.Loop})
			}
			tw.Render()
			fmt.Println("topology ok")
			return nil
		},
	})
	return topo
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if actor == "" || len(roles) == 0 {
				return fmt.Errorf("--actor and at least one --role are required")
			}
			for _, r := range roles {
				if _, ok := cfg.RBAC.Roles[r]; !ok {
					return fmt.Errorf("unknown role %s", r)
				}
			}
			authCfg := app.AuthConfig(cfg, nil)
			if ttl > 0 {
				authCfg.TokenTTL = ttl
			}
			tok, exp, err := server.IssueToken(authCfg, actor, roles, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "expires_at": exp})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}

func ticketsCmd() *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List tickets from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client().Tickets(cmd.Context(), limit, statuses...)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Status", "Action", "Train", "Block", "Applied", "Updated"})
			for _, t := range items {
				tw.AppendRow(table.Row{t.ID, t.Status, t.Recommendation.Action, t.Recommendation.Train, t.Recommendation.Block, t.Applied, t.UpdatedAt.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tickets")
	cmd.AddCommand(ticketActionCmd("accept", "Accept a recommendation as operator", func(ctx context.Context, c *signalboxsdk.Client, id, _ string) (signalboxsdk.Ticket, error) {
		return c.Accept(ctx, id)
	}))
	cmd.AddCommand(ticketActionCmd("escalate", "Request supervisor sign-off for a recommendation", func(ctx context.Context, c *signalboxsdk.Client, id, _ string) (signalboxsdk.Ticket, error) {
		return c.RequestSupervisor(ctx, id)
	}))
	cmd.AddCommand(ticketActionCmd("approve", "Approve an escalated ticket", func(ctx context.Context, c *signalboxsdk.Client, id, comment string) (signalboxsdk.Ticket, error) {
		return c.Approve(ctx, id, comment)
	}))
	cmd.AddCommand(ticketActionCmd("reject", "Reject an escalated ticket", func(ctx context.Context, c *signalboxsdk.Client, id, comment string) (signalboxsdk.Ticket, error) {
		return c.Reject(ctx, id, comment)
	}))
	return cmd
}

func ticketActionCmd(use, short string, do func(context.Context, *signalboxsdk.Client, string, string) (signalboxsdk.Ticket, error)) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := do(cmd.Context(), client(), args[0], comment)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	if use == "approve" || use == "reject" {
		cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	}
	return cmd
}

func kpisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kpis",
		Short: "Show KPIs of the latest tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := client().KPIs(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(k)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"KPI", "Value"})
			tw.AppendRows([]table.Row{
				{"punctuality", k.Punctuality},
				{"avg delay (min)", k.AvgDelayMin},
				{"throughput (trains/h)", k.Throughput},
				{"utilization (%)", k.Utilization},
				{"active conflicts", k.ActiveConflicts},
				{"safety score", k.SafetyScore},
				{"efficiency score", k.EfficiencyScore},
			})
			tw.Render()
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Read the persisted audit trail"}
	var n int
	var dbPath string
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(dbPath, func(st *store.Store) error {
				ctx := cmd.Context()
				entries, err := st.LatestAudit(ctx, n)
				if err != nil {
					return err
				}
				printAudit(entries)
				if !follow {
					return nil
				}
				cursor := int64(0)
				if len(entries) > 0 {
					cursor = entries[len(entries)-1].Seq
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					more, err := st.AuditAfter(ctx, cursor, 100)
					if err != nil {
						return err
					}
					if len(more) > 0 {
						printAudit(more)
						cursor = more[len(more)-1].Seq
					}
				}
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	tail.Flags().StringVar(&dbPath, "db", "", "SQLite path (default store.path)")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries")
	audit.AddCommand(tail)
	return audit
}

func printAudit(entries []domain.AuditEntry) {
	if viper.GetBool("json") {
		for _, e := range entries {
			b, _ := json.Marshal(e)
			fmt.Println(string(b))
		}
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "TS", "Actor", "Action", "Ticket", "Transition", "Comment"})
	for _, e := range entries {
		transition := ""
		if e.From != "" || e.To != "" {
			transition = fmt.Sprintf("%s -> %s", e.From, e.To)
		}
		tw.AppendRow(table.Row{e.Seq, e.TS.Format(time.RFC3339), e.Actor, e.Action, e.TicketID, transition, e.Comment})
	}
	tw.Render()
}

func mirrorCmd() *cobra.Command {
	m := &cobra.Command{Use: "mirror", Short: "Inspect the Redis snapshot mirror"}
	m.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the latest mirrored snapshot summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Mirror.RedisURL == "" {
				return fmt.Errorf("mirror.redis_url is not configured")
			}
			mr, err := mirror.New(cmd.Context(), mirror.Config{URL: cfg.Mirror.RedisURL, Key: cfg.Mirror.Key, Channel: cfg.Mirror.Channel, TTL: cfg.Mirror.TTL})
			if err != nil {
				return err
			}
			defer mr.Close()
			s, ok, err := mr.Fetch(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no snapshot under %s", cfg.Mirror.Key)
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			fmt.Printf("tick %d at %s (stale=%v): %d trains, %d conflicts, %d recommendations, %d open tickets\n",
				s.Tick, s.TS.Format(time.RFC3339), s.Stale, len(s.Positions), len(s.Conflicts), len(s.Recommendations), len(s.Tickets))
			return nil
		},
	})
	return m
}

// --- helpers ---

func client() *signalboxsdk.Client {
	return signalboxsdk.New(viper.GetString("url"), viper.GetString("token"))
}

func withStore(path string, fn func(*store.Store) error) error {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Store.Path
	}
	if path == "" {
		return fmt.Errorf("no store configured; set store.path or pass --db")
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
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

func formatPoint(p domain.Point) string {
	return fmt.Sprintf("(%g, %g)", p[0], p[1])
}
