package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offerclip/internal/ledger"
	"offerclip/internal/offers"
)

var (
	cfg        *Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "offerclip",
	Short: "Activate card-portal offers and keep a ledger of every attempt",
	Long: "Opens each configured account's card portal in a browser, activates every eligible offer on every card " +
		"and records each outcome in a local SQLite ledger.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := InitLocale(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: locale initialization failed, using message keys: %v\n", err)
		}
		checkUserDataDirPermissions()

		c, err := LoadConfig(configPath)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			cfg.DebugMode = true
		}
		if err := initLogger(cfg.Log, cfg.DebugMode); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Activate every eligible offer on every card",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := applyRunFlags(cmd); err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		printBanner()
		orch := NewOrchestrator(cfg, ledger.Multi(store, ledger.LogWriter{}), store)
		zap.L().Info("run started", zap.String("run_id", orch.RunID()), zap.Int("accounts", len(cfg.Accounts)))

		summaries, err := orch.Run(ctx)
		renderSessions(summaries)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			if s.TerminalState == offers.StateAborted {
				return eris.Errorf("%s aborted: %s", s.AccountLabel, s.Diagnostic)
			}
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List eligible offers on every card without activating them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := applyRunFlags(cmd); err != nil {
			return err
		}

		printBanner()
		results, err := NewOrchestrator(cfg, nil, nil).Scan(cmd.Context())
		renderScan(results)
		return err
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the activation ledger",
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		out, _ := cmd.Flags().GetString("out")
		account, _ := cmd.Flags().GetString("account")

		records, err := store.Records(ctx, ledger.Filter{Account: account})
		if err != nil {
			return err
		}
		sessions, err := store.Sessions(ctx)
		if err != nil {
			return err
		}
		if err := ledger.ExportXLSX(out, records, sessions); err != nil {
			return err
		}
		fmt.Println(T("ledger_exported", len(records), out))
		return nil
	},
}

var ledgerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired offers and duplicate outcomes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		now := time.Now()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		res, err := store.Prune(ctx, today)
		if err != nil {
			return err
		}
		fmt.Println(T("ledger_pruned", res.Expired, res.Duplicates))
		return nil
	},
}

var ledgerSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count outcomes per card",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		counts, err := store.Summary(ctx)
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Println(T("ledger_empty"))
			return nil
		}
		ledger.RenderSummary(os.Stdout, counts)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	for _, c := range []*cobra.Command{runCmd, scanCmd} {
		c.Flags().Bool("headless", false, "Run the browser without a window (requires a saved login)")
		c.Flags().StringSlice("account", nil, "Only process these accounts")
	}
	runCmd.Flags().Int("max-cycles", 0, "Override retry.max_scan_cycles")

	ledgerExportCmd.Flags().String("out", "card-offers.xlsx", "Output workbook path")
	ledgerExportCmd.Flags().String("account", "", "Only export outcomes of this card label")

	ledgerCmd.AddCommand(ledgerExportCmd, ledgerPruneCmd, ledgerSummaryCmd)
	rootCmd.AddCommand(runCmd, scanCmd, ledgerCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func applyRunFlags(cmd *cobra.Command) error {
	if headless, _ := cmd.Flags().GetBool("headless"); headless {
		cfg.Headless = true
	}
	if cmd.Flags().Changed("max-cycles") {
		n, _ := cmd.Flags().GetInt("max-cycles")
		cfg.Retry.MaxScanCycles = n
	}
	if cfg.OffersURL == "" {
		return eris.Errorf("no offers_url configured in %s", configPath)
	}

	names, _ := cmd.Flags().GetStringSlice("account")
	if len(names) == 0 {
		return nil
	}
	var picked []AccountConfig
	for _, a := range cfg.Accounts {
		if slices.Contains(names, a.Name) {
			picked = append(picked, a)
		}
	}
	if len(picked) == 0 {
		return eris.Errorf("no configured account matches %v", names)
	}
	cfg.Accounts = picked
	return nil
}

func openLedger(ctx context.Context) (*ledger.SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0755); err != nil {
		return nil, eris.Wrap(err, "create ledger dir")
	}
	store, err := ledger.NewSQLite(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Card Offer Activation                     ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println(T("banner_offers_url", cfg.OffersURL))
	fmt.Println(T("banner_accounts", len(cfg.Accounts)))
	fmt.Println(T("banner_ledger", cfg.LedgerPath))
	if cfg.DebugMode {
		fmt.Println(T("debug_mode"))
	}
	fmt.Println()
}

func renderSessions(summaries []offers.SessionSummary) {
	if len(summaries) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Card", "Activated", "Already Active", "Failed", "Cycles", "State", "Diagnostic"})
	for _, s := range summaries {
		t.AppendRow(table.Row{s.AccountLabel, s.ActivatedCount, s.AlreadyActiveCount, s.FailedCount, s.Cycles, s.TerminalState, s.Diagnostic})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func renderScan(results []ScanResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Card", "Offer", "Discount", "Expires"})
	for _, r := range results {
		if r.Err != nil {
			t.AppendRow(table.Row{r.Label, "error: " + r.Err.Error(), "", ""})
			continue
		}
		if len(r.Offers) == 0 {
			t.AppendRow(table.Row{r.Label, T("no_eligible_offers"), "", ""})
			continue
		}
		for _, h := range r.Offers {
			t.AppendRow(table.Row{r.Label, h.Label, h.Details.Discount, offers.FormatExpiration(h.Details.Expiration)})
		}
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// Store init error for later display (after locale is loaded)
var initUserDataDirError error

func init() {
	if err := os.MkdirAll(getUserDataDir(), 0755); err != nil {
		initUserDataDirError = err
	}
}

func checkUserDataDirPermissions() {
	if initUserDataDirError != nil {
		fmt.Fprintf(os.Stderr, T("error_user_data_dir")+"\n", getUserDataDir(), initUserDataDirError)
	}
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./offerclip-data"
	}
	return filepath.Join(home, ".offerclip")
}
