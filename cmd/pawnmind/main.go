package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/pawnmind/internal/config"
	"github.com/stellarlinkco/pawnmind/internal/gateway"
	"github.com/stellarlinkco/pawnmind/internal/knowledge"
	"github.com/stellarlinkco/pawnmind/internal/memory"
)

// StoreOpener opens the persisted snapshot store (allows mocking in tests)
type StoreOpener func(ctx context.Context, cfg config.StorageConfig) (memory.Persister, error)

// CLIOptions for running offline commands with custom dependencies
type CLIOptions struct {
	OpenStore StoreOpener
	Stdout    io.Writer
}

func (o CLIOptions) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

func (o CLIOptions) openStore(ctx context.Context, cfg config.StorageConfig) (memory.Persister, error) {
	if o.OpenStore == nil {
		return memory.NewPersister(ctx, cfg)
	}
	return o.OpenStore(ctx, cfg)
}

var rootCmd = &cobra.Command{
	Use:   "pawnmind",
	Short: "pawnmind - tiered memory for simulated characters",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadDotEnv(".env")
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (host loop, HTTP API, live feed, cron)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and knowledge directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pawnmind status",
	RunE:  runStatus,
}

var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Print the memory and knowledge context for a pawn from saved state",
	RunE:  runInject,
}

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the shared knowledge library in saved state (stop the server first)",
}

var knowledgeImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import [tag]content lines from FILE",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeImport,
}

var knowledgeExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the library as [tag]content lines",
	RunE:  runKnowledgeExport,
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge entries grouped by tag",
	RunE:  runKnowledgeList,
}

var (
	pawnFlag    string
	contextFlag string
	clearFlag   bool
)

func init() {
	injectCmd.Flags().StringVarP(&pawnFlag, "pawn", "p", "", "Pawn id")
	injectCmd.Flags().StringVarP(&contextFlag, "context", "c", "", "Situation text to match against")
	_ = injectCmd.MarkFlagRequired("pawn")
	knowledgeImportCmd.Flags().BoolVar(&clearFlag, "clear", false, "Remove existing entries first")

	knowledgeCmd.AddCommand(knowledgeImportCmd, knowledgeExportCmd, knowledgeListCmd)
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, injectCmd, knowledgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads path into the environment without overriding variables
// that are already set. A missing file is fine.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] ignoring %s: %v", path, err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return runOnboardWithOptions(CLIOptions{Stdout: cmd.OutOrStdout()})
}

func runOnboardWithOptions(opts CLIOptions) error {
	out := opts.stdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	packDir := filepath.Join(cfg.Knowledge.PacksDir, "example")
	if err := os.MkdirAll(packDir, 0755); err != nil {
		return fmt.Errorf("create knowledge dir: %w", err)
	}
	writeIfNotExists(out, filepath.Join(packDir, "KNOWLEDGE.md"), defaultKnowledgePack)

	fmt.Fprintf(out, "Knowledge packs: %s\n", cfg.Knowledge.PacksDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set a summarizer API key (or set PAWNMIND_SUMMARIZER_API_KEY)\n", cfgPath)
	fmt.Fprintln(out, "  2. Add packs under the knowledge directory")
	fmt.Fprintln(out, "  3. Run 'pawnmind serve'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runStatusWithOptions(CLIOptions{Stdout: cmd.OutOrStdout()})
}

func runStatusWithOptions(opts CLIOptions) error {
	out := opts.stdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())

	ai := config.SelectAIConfigProvider(config.NewLive(cfg))
	resolved := ai.AIConfig()
	fmt.Fprintf(out, "Summarizer: %s via %s config (%s)\n", resolved.Provider, ai.Name(), resolved.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(resolved.APIKey))
	if resolved.Available() {
		fmt.Fprintln(out, "AI summarization: available")
	} else {
		fmt.Fprintln(out, "AI summarization: unavailable (rule-based summaries only)")
	}
	if cfg.Summarizer.CacheURL != "" {
		fmt.Fprintln(out, "Shared cache: redis")
	}

	fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		fmt.Fprintln(out, "Storage: postgres")
	default:
		fmt.Fprintf(out, "Storage: sqlite (%s)\n", cfg.Storage.DBPath)
		if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
			fmt.Fprintln(out, "State: none saved yet (run 'pawnmind serve')")
			return nil
		}
	}

	packs, err := knowledge.LoadPacks(cfg.Knowledge.PacksDir)
	if err != nil {
		fmt.Fprintf(out, "Knowledge packs: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Knowledge packs: %d\n", len(packs))
	}

	ctx := context.Background()
	store, err := opts.openStore(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(out, "State: error (%v)\n", err)
		return nil
	}
	defer store.Close()
	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		fmt.Fprintf(out, "State: error (%v)\n", err)
		return nil
	}

	var active, situational, eventLog, archive int
	for _, p := range snap.Pawns {
		active += len(p.Active)
		situational += len(p.Situational)
		eventLog += len(p.EventLog)
		archive += len(p.Archive)
	}
	fmt.Fprintf(out, "Pawns: %d\n", len(snap.Pawns))
	fmt.Fprintf(out, "Memories: active=%d situational=%d eventLog=%d archive=%d\n", active, situational, eventLog, archive)
	fmt.Fprintf(out, "Knowledge: %d entries\n", len(snap.Knowledge))
	fmt.Fprintf(out, "Clock: day %d, hour %d\n", memory.DayOf(snap.Markers.Ticks), memory.HourOf(snap.Markers.Ticks))
	return nil
}

func runInject(cmd *cobra.Command, args []string) error {
	return runInjectWithOptions(CLIOptions{Stdout: cmd.OutOrStdout()}, pawnFlag, contextFlag)
}

func runInjectWithOptions(opts CLIOptions, pawnID, situation string) error {
	if strings.TrimSpace(pawnID) == "" {
		return errors.New("--pawn is required")
	}
	state, err := openState(opts)
	if err != nil {
		return err
	}
	defer state.close()

	out := opts.stdout()
	if _, ok := state.manager.Lookup(pawnID); !ok {
		fmt.Fprintf(out, "(no memories saved for pawn %q)\n", pawnID)
	}
	text := state.manager.BuildContext(pawnID, situation)
	if text == "" {
		fmt.Fprintln(out, "(nothing to inject)")
		return nil
	}
	fmt.Fprint(out, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(out)
	}
	return nil
}

func runKnowledgeImport(cmd *cobra.Command, args []string) error {
	return runKnowledgeImportWithOptions(CLIOptions{Stdout: cmd.OutOrStdout()}, args[0], clearFlag)
}

func runKnowledgeImportWithOptions(opts CLIOptions, path string, clearExisting bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	state, err := openState(opts)
	if err != nil {
		return err
	}
	defer state.close()

	lib := state.manager.Knowledge()
	imported := lib.ImportFromText(string(data), clearExisting)
	if err := state.save(); err != nil {
		return err
	}
	fmt.Fprintf(opts.stdout(), "Imported %d entries (library now has %d)\n", imported, lib.Len())
	return nil
}

func runKnowledgeExport(cmd *cobra.Command, args []string) error {
	return runKnowledgeExportWithOptions(CLIOptions{Stdout: cmd.OutOrStdout()})
}

func runKnowledgeExportWithOptions(opts CLIOptions) error {
	state, err := openState(opts)
	if err != nil {
		return err
	}
	defer state.close()
	fmt.Fprint(opts.stdout(), state.manager.Knowledge().ExportToText())
	return nil
}

func runKnowledgeList(cmd *cobra.Command, args []string) error {
	return runKnowledgeListWithOptions(CLIOptions{Stdout: cmd.OutOrStdout()})
}

func runKnowledgeListWithOptions(opts CLIOptions) error {
	state, err := openState(opts)
	if err != nil {
		return err
	}
	defer state.close()

	out := opts.stdout()
	groups := state.manager.Knowledge().GetEntriesByTag()
	if len(groups) == 0 {
		fmt.Fprintln(out, "Knowledge library is empty")
		return nil
	}
	tags := make([]string, 0, len(groups))
	for tag := range groups {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		fmt.Fprintf(out, "[%s] (%d)\n", tag, len(groups[tag]))
		for _, e := range groups[tag] {
			suffix := ""
			if !e.Enabled {
				suffix = " (disabled)"
			}
			fmt.Fprintf(out, "  %s  %s%s\n", e.ID, e.Content, suffix)
		}
	}
	return nil
}

// offlineState is the saved world loaded outside the server.
type offlineState struct {
	manager *memory.Manager
	store   memory.Persister
}

func openState(opts CLIOptions) (*offlineState, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	store, err := opts.openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	m := memory.NewManager(config.NewLive(cfg), memory.NewManualClock(0))
	m.Restore(snap)
	return &offlineState{manager: m, store: store}, nil
}

func (s *offlineState) save() error {
	if err := s.store.SaveSnapshot(context.Background(), s.manager.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *offlineState) close() {
	if err := s.store.Close(); err != nil {
		log.Printf("[storage] close warning: %v", err)
	}
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultKnowledgePack = `---
name: example
description: Starter facts shared by every pawn
tag: world
importance: 0.5
enabled: true
---
The colony was founded in spring.
[rules]Stealing from the stockpile is punished.
[food]Meals are cooked at noon.
`
