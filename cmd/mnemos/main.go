package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/mnemos/internal/audit"
	"github.com/stellarlinkco/mnemos/internal/channel"
	"github.com/stellarlinkco/mnemos/internal/config"
	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/gateway"
	"github.com/stellarlinkco/mnemos/internal/logging"
	"github.com/stellarlinkco/mnemos/internal/memory"
)

const defaultUser = "local"

var rootCmd = &cobra.Command{
	Use:           "mnemos",
	Short:         "mnemos - memory engine with an audited conversation pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, data and rules directories",
	Args:  cobra.NoArgs,
	RunE:  runOnboard,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the pipeline with a single message or in REPL mode",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JSON-line frames on stdin/stdout (or a websocket with --ws)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [session]",
	Short: "Verify the audit chain of one session, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVerify,
}

var historyCmd = &cobra.Command{
	Use:   "history <session>",
	Short: "Show the audited steps of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions in the audit log",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var rememberCmd = &cobra.Command{
	Use:   "remember <text>",
	Short: "Store a memory directly",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank stored memories against a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <memory-id>",
	Short: "Delete a memory and record the deletion",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from the store",
	Args:  cobra.NoArgs,
	RunE:  runReindex,
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run the expiry job now",
	Args:  cobra.NoArgs,
	RunE:  runExpire,
}

var backupCmd = &cobra.Command{
	Use:   "backup <dir>",
	Short: "Copy the memory and audit databases into dir",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mnemos status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var (
	configFlag string

	messageFlag     string
	chatSessionFlag string
	chatUserFlag    string
	chatContextFlag string

	wsFlag        bool
	serveUserFlag string

	allFlag bool

	historyLimitFlag int
	eventsFlag       bool

	rememberKindFlag    string
	importanceFlag      float64
	rememberUserFlag    string
	rememberContextFlag string

	searchLimitFlag int
	searchKindFlag  string
	searchUserFlag  string

	forgetSessionFlag string

	jsonFlag bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.mnemos/config.json)")

	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&chatSessionFlag, "session", "s", "", "Session to resume (created if unknown)")
	chatCmd.Flags().StringVarP(&chatUserFlag, "user", "u", defaultUser, "Owner of stored memories")
	chatCmd.Flags().StringVarP(&chatContextFlag, "context", "c", "", "Context tag for rules")

	serveCmd.Flags().BoolVar(&wsFlag, "ws", false, "Serve a websocket on server.host:server.port instead of stdio")
	serveCmd.Flags().StringVarP(&serveUserFlag, "user", "u", defaultUser, "Sender of stdio frames that do not name one")

	verifyCmd.Flags().BoolVar(&allFlag, "all", false, "Verify every session")

	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 0, "Show only the last n records")
	historyCmd.Flags().BoolVar(&eventsFlag, "events", false, "Show audit events instead of state records")

	rememberCmd.Flags().StringVarP(&rememberKindFlag, "kind", "k", string(memory.Semantic), "semantic, episodic or procedural")
	rememberCmd.Flags().Float64Var(&importanceFlag, "importance", memory.DefaultImportance, "Importance in [0,1]")
	rememberCmd.Flags().StringVarP(&rememberUserFlag, "user", "u", defaultUser, "Owner; empty stores a shared memory")
	rememberCmd.Flags().StringVarP(&rememberContextFlag, "context", "c", "", "Context tag")

	searchCmd.Flags().IntVarP(&searchLimitFlag, "limit", "n", 5, "Number of results")
	searchCmd.Flags().StringVarP(&searchKindFlag, "kind", "k", "", "Restrict to one kind")
	searchCmd.Flags().StringVarP(&searchUserFlag, "user", "u", "", "Restrict to one owner")

	forgetCmd.Flags().StringVarP(&forgetSessionFlag, "session", "s", "", "Session to record the deletion under")

	statusCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print status as JSON")

	rootCmd.AddCommand(onboardCmd, chatCmd, serveCmd, verifyCmd, historyCmd, sessionsCmd,
		rememberCmd, searchCmd, forgetCmd, reindexCmd, expireCmd, backupCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to distinct statuses for scripts.
func exitCode(err error) int {
	switch {
	case errs.IsValidation(err):
		return 2
	case errs.IsNotFound(err):
		return 3
	case errs.IsIntegrity(err):
		return 4
	}
	return 1
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openGateway builds a gateway that logs to the command's stderr.
func openGateway(cmd *cobra.Command) (*gateway.Gateway, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(cfg.Log, cmd.ErrOrStderr())
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: &log})
	if err != nil {
		return nil, log, fmt.Errorf("create gateway: %w", err)
	}
	return gw, log, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx := cmdContext(cmd)
	if err := gw.Init(ctx); err != nil {
		return err
	}
	var sid string
	if chatSessionFlag != "" {
		st, err := gw.OpenSession(ctx, chatSessionFlag, chatUserFlag, chatContextFlag)
		if err != nil {
			return err
		}
		sid = st.SessionID
	} else {
		st, err := gw.CreateSession(ctx, chatUserFlag, chatContextFlag)
		if err != nil {
			return err
		}
		sid = st.SessionID
	}

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	if messageFlag != "" {
		reply, err := gw.HandleMessage(ctx, sid, messageFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply.Content)
		fmt.Fprintf(stderr, "session: %s\n", sid)
		return nil
	}

	fmt.Fprintf(stdout, "mnemos chat, session %s (type 'exit' to quit)\n", sid)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		reply, err := gw.HandleMessage(ctx, sid, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			if errs.IsIntegrity(err) {
				return err
			}
			continue
		}
		fmt.Fprintln(stdout, reply.Content)
	}
	return scanner.Err()
}

func runServe(cmd *cobra.Command, args []string) error {
	gw, log, err := openGateway(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmdContext(cmd))
	defer cancel()

	if wsFlag {
		ws := channel.NewWebSocketChannel(gw.Config().Server, gw.Bus(), logging.Component(log, "websocket"))
		if err := gw.AddChannel(ws); err != nil {
			gw.Close()
			return err
		}
	} else {
		stdio := channel.NewStdioChannel(cmd.InOrStdin(), cmd.OutOrStdout(), serveUserFlag, gw.Bus(), logging.Component(log, "stdio"))
		if err := gw.AddChannel(stdio); err != nil {
			gw.Close()
			return err
		}
		go func() {
			select {
			case <-stdio.Drained():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return gw.Run(ctx)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if allFlag == (len(args) == 1) {
		return errs.Validation("session", "give a session id or --all")
	}
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()

	if allFlag {
		summary, err := gw.VerifyAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, summary)
		st, err := gw.Stats(ctx)
		if err != nil {
			return err
		}
		for _, sid := range st.Untrusted {
			fmt.Fprintf(out, "  broken: %s\n", sid)
		}
		if len(st.Untrusted) > 0 {
			return errs.Integrity(st.Untrusted[0], -1, "%d session(s) failed verification", len(st.Untrusted))
		}
		return nil
	}

	rep, err := gw.Verify(ctx, args[0])
	if err != nil {
		return err
	}
	printReport(out, rep)
	if !rep.Valid {
		return errs.Integrity(rep.SessionID, rep.BrokenStep, "%s", rep.Reason)
	}
	return nil
}

func printReport(w io.Writer, rep audit.Report) {
	if rep.Valid {
		fmt.Fprintf(w, "%s: valid (%d records)\n", rep.SessionID, rep.Records)
		return
	}
	fmt.Fprintf(w, "%s: BROKEN at step %d: %s\n", rep.SessionID, rep.BrokenStep, rep.Reason)
}

func runHistory(cmd *cobra.Command, args []string) error {
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()

	if eventsFlag {
		events, err := gw.Events(ctx, args[0], historyLimitFlag)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Fprintf(out, "%s  %-18s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Kind, string(ev.Details))
		}
		return nil
	}

	recs, err := gw.History(ctx, args[0], historyLimitFlag)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Fprintln(out, formatRecord(rec))
	}
	return nil
}

// formatRecord summarizes a record without decoding the whole snapshot.
func formatRecord(rec audit.Record) string {
	snap := gjson.ParseBytes(rec.StateJSON)
	line := fmt.Sprintf("%3d  %-14s %s  %s  status=%s messages=%d memories=%d",
		rec.Step, rec.Action, rec.Timestamp.Format(time.RFC3339), shortHash(rec.StateHash),
		snap.Get("status").String(), snap.Get("messages.#").Int(), len(snap.Get("memories").Map()))
	if d := snap.Get("decision").String(); d != "" {
		line += " decision=" + d
	}
	return line
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func runSessions(cmd *cobra.Command, args []string) error {
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	sessions, err := gw.Sessions(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(out, "%s  records=%d last=%d:%s  updated=%s\n",
			s.SessionID, s.Records, s.LastStep, s.LastAction, s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runRemember(cmd *cobra.Command, args []string) error {
	kind := memory.Kind(rememberKindFlag)
	if !kind.Valid() {
		return errs.Validation("kind", "unknown kind %q", rememberKindFlag)
	}
	if !memory.ValidImportance(importanceFlag) {
		return errs.Validation("importance", "must be within [0,1], got %v", importanceFlag)
	}
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	item := memory.NewItem(kind, strings.Join(args, " "), importanceFlag, time.Now())
	item.OwnerID = rememberUserFlag
	if rememberContextFlag != "" {
		item.Context = rememberContextFlag
	}
	stored, err := gw.Remember(cmdContext(cmd), item)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), stored.ID)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchKindFlag != "" && !memory.Kind(searchKindFlag).Valid() {
		return errs.Validation("kind", "unknown kind %q", searchKindFlag)
	}
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()
	ctx := cmdContext(cmd)
	if err := gw.Init(ctx); err != nil {
		return err
	}

	results, err := gw.Search(ctx, memory.Query{
		Text:    strings.Join(args, " "),
		K:       searchLimitFlag,
		Kind:    memory.Kind(searchKindFlag),
		OwnerID: searchUserFlag,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	for _, r := range results {
		fmt.Fprintf(out, "%.3f  %-10s %s  %s\n", r.Score, r.Item.Kind, r.Item.ID, truncate(r.Item.Content, 80))
	}
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.DeleteMemory(cmdContext(cmd), args[0], forgetSessionFlag); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	n, err := gw.Reindex(cmdContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d memories\n", n)
	return nil
}

func runExpire(cmd *cobra.Command, args []string) error {
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	result, err := gw.ExpireNow(cmdContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	paths, err := gw.Backup(cmdContext(cmd), args[0])
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", p)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}
	gw, _, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer gw.Close()

	st, err := gw.Stats(cmdContext(cmd))
	if err != nil {
		return err
	}
	if jsonFlag {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(out, "Config: %s\n", configPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Embedding: %s (%d dims)\n", cfg.Embedding.Provider, cfg.Embedding.Dimension)
	fmt.Fprintf(out, "Memory DB: %s\n", cfg.Memory.DBPath)
	fmt.Fprintf(out, "Audit DB: %s\n", cfg.Audit.DBPath)
	fmt.Fprintf(out, "Memories: %d (semantic=%d episodic=%d procedural=%d summaries=%d archived=%d)\n",
		st.Memory.Total, st.Memory.Semantic, st.Memory.Episodic, st.Memory.Procedural, st.Memory.Summaries, st.Memory.Archived)
	fmt.Fprintf(out, "Compression: %.0f%% summarized, ~%d tokens saved\n",
		st.Compression.SummarizationRate*100, st.Compression.EstimatedTokensSaved)
	fmt.Fprintf(out, "Sessions: %d (%d untrusted)\n", st.Sessions, len(st.Untrusted))
	fmt.Fprintf(out, "Weights: relevance=%.2f importance=%.2f recency=%.2f\n",
		st.Weights.Relevance, st.Weights.Importance, st.Weights.Recency)
	for _, j := range st.Jobs {
		fmt.Fprintf(out, "Job %s: %s enabled=%v runs=%d\n", j.Name, j.Schedule, j.Enabled && cfg.Schedule.Enabled, j.Runs)
	}
	return nil
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.ConfigPath()
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := configPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(cfgPath, config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, dir := range []string{filepath.Dir(cfg.Memory.DBPath), filepath.Dir(cfg.Audit.DBPath), cfg.Rules.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	writeIfNotExists(out, filepath.Join(cfg.Rules.Dir, "concise-answers", "RULE.md"), defaultRuleMD)

	fmt.Fprintf(out, "Data ready: %s\n", filepath.Dir(cfg.Memory.DBPath))
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MNEMOS_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'mnemos chat -m \"Hello\"' to test")
	return nil
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return
		}
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultRuleMD = `---
name: concise-answers
context: default
importance: 0.6
keywords: [style]
---
Prefer short, direct answers. Mention remembered facts only when they help.
`
