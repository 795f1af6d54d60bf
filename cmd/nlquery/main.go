package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/semaphore"

	"nlquery/internal/config"
	"nlquery/internal/gemini"
	"nlquery/internal/planner"
	"nlquery/internal/prompt"
	"nlquery/internal/router"
	"nlquery/internal/rules"
	"nlquery/internal/server"
	"nlquery/internal/sqlgen"
	"nlquery/internal/store"
	"nlquery/internal/warehouse"
)

var (
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nlquery",
	Short: "Natural-language to warehouse SQL service",
	Long: `nlquery turns business questions into validated T-SQL against the
revenue warehouse. Questions are routed, planned into a structured
intent, synthesized into SQL with few-shot grounding, and repaired
against hard join/filter constraints before execution.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// pipeline bundles the assembled components behind the commands.
type pipeline struct {
	cfg       config.Config
	rules     *rules.Provider
	warehouse *warehouse.Client
	store     *store.Store
	router    *router.Router
	planner   *planner.Planner
	engine    *sqlgen.Engine
}

func buildPipeline() (*pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	ruleProvider := rules.NewProvider(cfg.Rules.Path, cfg.Rules.TTL, logger)
	prompts := prompt.NewBuilder(ruleProvider)

	// One gate for every model call in the process, completions and
	// embeddings alike.
	llmGate := semaphore.NewWeighted(1)
	llm := gemini.NewClient(gemini.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	}, llmGate, logger)

	var embed store.EmbedFunc
	if cfg.LLM.APIKey != "" {
		embedder, err := gemini.NewEmbedder(cfg.LLM.APIKey, cfg.LLM.EmbeddingModel, llmGate, logger)
		if err != nil {
			logger.Warn("embedding client unavailable, retrieval will use lexical scoring", zap.Error(err))
		} else {
			embed = embedder.Embed
		}
	}

	exampleStore, err := store.Open(cfg.Store.DatabasePath, embed, logger)
	if err != nil {
		return nil, fmt.Errorf("open example store: %w", err)
	}

	wh := warehouse.NewClient(warehouse.Config{
		Endpoint:        cfg.Warehouse.Endpoint,
		Database:        cfg.Warehouse.Database,
		TenantID:        cfg.Warehouse.TenantID,
		ClientID:        cfg.Warehouse.ClientID,
		ClientSecret:    cfg.Warehouse.ClientSecret,
		SchemaNotesPath: cfg.Warehouse.SchemaNotesPath,
		SchemaTTL:       cfg.Warehouse.SchemaTTL,
	}, logger)

	return &pipeline{
		cfg:       cfg,
		rules:     ruleProvider,
		warehouse: wh,
		store:     exampleStore,
		router:    router.New(llm, prompts, logger),
		planner:   planner.New(llm, prompts, ruleProvider, logger),
		engine:    sqlgen.NewEngine(llm, prompts, ruleProvider, wh, exampleStore, logger),
	}, nil
}

func (p *pipeline) close() {
	if err := p.store.Close(); err != nil {
		logger.Warn("closing example store", zap.Error(err))
	}
	if err := p.warehouse.Close(); err != nil {
		logger.Warn("closing warehouse connection", zap.Error(err))
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}
		defer p.close()

		srv := server.New(p.rules, p.warehouse, p.store, p.router, p.planner, p.engine, logger)
		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", p.cfg.Server.Port),
			Handler: srv.Handler(),
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("HTTP API listening", zap.Int("port", p.cfg.Server.Port))
			errCh <- httpServer.ListenAndServe()
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case sig := <-stop:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(ctx)
		}
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List warehouse tables visible to the generator",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}
		defer p.close()

		tables, err := p.warehouse.ListTables(cmd.Context())
		if err != nil {
			return err
		}
		for _, table := range tables {
			fmt.Println(table)
		}
		return nil
	},
}

var (
	askRegion      string
	askCurrency    string
	askStageBucket string
	askExecute     bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Generate SQL for one question",
	Long: `Runs the full pipeline for a single question and prints the
generated SQL. With --execute the query also runs against the
warehouse and the results are printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}
		defer p.close()

		ctx := cmd.Context()
		question := args[0]

		region := p.rules.NormalizeRegion(askRegion)
		countryCode := p.rules.CountryCodeForRegion(region)
		currency := p.rules.NormalizeReportingCurrency(askCurrency)
		stageBucket := p.rules.NormalizeStageBucket(askStageBucket)

		decision := p.router.Route(ctx, question)
		logger.Info("question routed", zap.String("route", decision.Route), zap.String("reason", decision.Reason))

		intent, err := p.planner.Plan(ctx, question, decision.Route, stageBucket)
		if err != nil {
			return err
		}
		intentJSON, _ := json.MarshalIndent(intent, "", "  ")
		fmt.Printf("Intent:\n%s\n\n", intentJSON)

		res, err := p.engine.Generate(ctx, decision.Route, question, intent, countryCode, currency, stageBucket)
		if err != nil {
			return err
		}
		fmt.Printf("Route: %s\nSQL:\n%s\n", res.RouteUsed, res.SQL)

		if !askExecute {
			return nil
		}
		columns, rows, err := p.warehouse.Query(ctx, res.SQL)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n", renderRows(columns, rows))
		return nil
	},
}

func renderRows(columns []string, rows [][]any) string {
	if len(rows) == 0 {
		return "No results."
	}
	out := ""
	for i, col := range columns {
		if i > 0 {
			out += " | "
		}
		out += col
	}
	for _, row := range rows {
		out += "\n"
		for i, cell := range row {
			if i > 0 {
				out += " | "
			}
			if cell == nil {
				continue
			}
			out += fmt.Sprint(cell)
		}
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	askCmd.Flags().StringVar(&askRegion, "region", "", "Region code (defaults from business rules)")
	askCmd.Flags().StringVar(&askCurrency, "reporting-currency", "", "Reporting currency code")
	askCmd.Flags().StringVar(&askStageBucket, "stage-bucket", "", "Stage bucket name")
	askCmd.Flags().BoolVar(&askExecute, "execute", false, "Execute the generated SQL against the warehouse")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
