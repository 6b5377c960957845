package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/logger"
	"github.com/oarkflow/permit/stores"
)

// errDenied makes check exit with status 2 on a deny decision.
var errDenied = errors.New("denied")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errDenied) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "permitctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errors.New("missing command")
	}
	switch args[0] {
	case "validate":
		return handleValidate(args[1:], out)
	case "convert":
		return handleConvert(args[1:], out)
	case "stats":
		return handleStats(args[1:], out)
	case "check":
		return handleCheck(args[1:], out)
	case "apply":
		return handleApply(args[1:], out)
	case "audit":
		return handleAudit(args[1:], out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	}
	printUsage(out)
	return fmt.Errorf("unknown command: %s", args[0])
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "permitctl - rule set tool for permit")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  permitctl validate <file>                                   - Validate a rule file")
	fmt.Fprintln(out, "  permitctl convert <input> <output>                          - Convert between formats")
	fmt.Fprintln(out, "  permitctl stats <file>                                      - Show rule statistics")
	fmt.Fprintln(out, "  permitctl check <file|db> <tenant> <action> <resource> [ctx] - Explain a decision")
	fmt.Fprintln(out, "  permitctl apply <file> <db>                                 - Upsert rules into SQLite")
	fmt.Fprintln(out, "  permitctl audit <db> [tenant]                               - Print the audit log")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Supported formats: .rules, .dsl, .yaml, .yml, .json; databases: .db, .sqlite")
}

func isDatabase(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

func openDB(path string) (*sql.DB, *squealx.DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "permitctl")
	if err := stores.Migrate(db); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return sqlDB, db, nil
}

func handleValidate(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: permitctl validate <file>")
	}
	cfg, err := permit.LoadConfigFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Version: %d\n", cfg.Version)
	fmt.Fprintf(out, "  Tenants: %d\n", len(cfg.Tenants))
	fmt.Fprintf(out, "  Rules: %d\n", len(cfg.Rules))
	return nil
}

func handleConvert(args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: permitctl convert <input> <output>")
	}
	cfg, err := permit.LoadConfigFile(args[0])
	if err != nil {
		return err
	}
	format, err := permit.FormatFromPath(args[1])
	if err != nil {
		return err
	}
	data, err := cfg.Encode(format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "Converted %s -> %s\n", args[0], args[1])
	return nil
}

func handleStats(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: permitctl stats <file>")
	}
	cfg, err := permit.LoadConfigFile(args[0])
	if err != nil {
		return err
	}
	perTenant := map[string]int{}
	allowCount, denyCount, conditional := 0, 0, 0
	for _, r := range cfg.Rules {
		perTenant[r.TenantID]++
		if r.Effect == permit.EffectAllow {
			allowCount++
		} else {
			denyCount++
		}
		if r.Condition != nil {
			conditional++
		}
	}
	fmt.Fprintln(out, "Rule Statistics")
	fmt.Fprintln(out, "===============")
	fmt.Fprintf(out, "Version: %d\n", cfg.Version)
	fmt.Fprintf(out, "  Allow rules:       %d\n", allowCount)
	fmt.Fprintf(out, "  Deny rules:        %d\n", denyCount)
	fmt.Fprintf(out, "  Conditional rules: %d\n", conditional)
	fmt.Fprintln(out, "Per tenant:")
	for _, t := range sortedKeys(perTenant) {
		fmt.Fprintf(out, "  %s: %d\n", t, perTenant[t])
	}
	return nil
}

func handleCheck(args []string, out io.Writer) error {
	if len(args) < 4 {
		return errors.New("usage: permitctl check <file|db> <tenant> <action> <resource> [context-json]")
	}
	req := &permit.Request{TenantID: args[1], Action: args[2], Resource: args[3], Actor: "permitctl"}
	if len(args) > 4 {
		if err := json.Unmarshal([]byte(args[4]), &req.Context); err != nil {
			return fmt.Errorf("context: %w", err)
		}
	}

	opts := []permit.EngineOption{permit.WithLogger(logger.NewNullLogger())}
	var store permit.RuleStore
	if isDatabase(args[0]) {
		sqlDB, db, err := openDB(args[0])
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		store = stores.NewSQLRuleStore(db)
		opts = append(opts, permit.WithAuditStore(stores.NewSQLAuditStore(db)))
	} else {
		cfg, err := permit.LoadConfigFile(args[0])
		if err != nil {
			return err
		}
		engineOpts, err := cfg.Engine.Options()
		if err != nil {
			return err
		}
		opts = append(opts, engineOpts...)
		store = cfg.Store()
	}

	engine, err := permit.NewEngine(store, opts...)
	if err != nil {
		return err
	}
	d, err := engine.Explain(context.Background(), req)
	if cerr := engine.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}
	if !d.Allowed {
		return errDenied
	}
	return nil
}

func handleApply(args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: permitctl apply <file> <db>")
	}
	cfg, err := permit.LoadConfigFile(args[0])
	if err != nil {
		return err
	}
	sqlDB, db, err := openDB(args[1])
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := permit.ApplyConfig(context.Background(), stores.NewSQLRuleStore(db), cfg); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	fmt.Fprintf(out, "Configuration applied successfully\n")
	fmt.Fprintf(out, "  Rules loaded: %d\n", len(cfg.Rules))
	return nil
}

func handleAudit(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: permitctl audit <db> [tenant]")
	}
	sqlDB, db, err := openDB(args[0])
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	filter := permit.AuditFilter{Limit: 1000}
	if len(args) > 1 {
		filter.TenantID = args[1]
	}
	entries, err := stores.NewSQLAuditStore(db).GetAccessLog(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, e := range entries {
		verdict := "DENY "
		if e.Decision.Allowed {
			verdict = "ALLOW"
		}
		fmt.Fprintf(out, "%s %s tenant=%s action=%s resource=%s matched_by=%s reason=%q\n",
			e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), verdict, e.TenantID, e.Action, e.Resource, e.Decision.MatchedBy, e.Decision.Reason)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
