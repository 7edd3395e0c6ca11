// Command auditctl is the operator CLI for the audit log, grounded on the
// teacher's agent/cmd/tripwire subcommand dispatcher (run(args) switching
// on args[0], each subcommand owning its own flag.FlagSet). It is the thin
// collaborator spec section 6.4 describes: argument parsing and output
// formatting live here; every subcommand is a direct call into
// internal/auditlog.
//
// Usage:
//
//	auditctl init --project <path>
//	auditctl stats --project <path>
//	auditctl search --project <path> [--user u] [--action a] [--entity-type t] [--entity-id id]
//	auditctl verify --project <path>
//	auditctl dashboard --project <path>
//	auditctl validate --project <path>
//	auditctl export --project <path> --format CSV|JSON|XML|PDF-text --out <path>
//	auditctl rotate --project <path>
//	auditctl cleanup --project <path> --days 2555 --confirm
//	auditctl signature create --project <path> --user u --action Approve --entity-type T --entity-id ID --reason R --method Password
//	auditctl signature verify --project <path> --id <sig-id>
//	auditctl signature list --project <path> --entity-type T --entity-id ID
//	auditctl signature requirements --project <path> --action Approve --entity-type T --entity-id ID
//	auditctl compliance --project <path> --period monthly
//	auditctl backup create|list|restore|delete|verify|cleanup|info --project <path> [--id <id>] [--confirm]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/qmsforge/auditcore/internal/auditlog"
	"github.com/qmsforge/auditcore/internal/compliance"
	"github.com/qmsforge/auditcore/internal/config"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/export"
	"github.com/qmsforge/auditcore/internal/search"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "auditctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: auditctl <init|stats|search|export|rotate|cleanup|login|logout|verify|dashboard|signature|compliance|validate|backup|performance> [flags]")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "init":
		return cmdInit(rest)
	case "stats":
		return cmdStats(rest)
	case "search":
		return cmdSearch(rest)
	case "export":
		return cmdExport(rest)
	case "rotate":
		return cmdRotate(rest)
	case "cleanup":
		return cmdCleanup(rest)
	case "login":
		return cmdLogin(rest)
	case "logout":
		return cmdLogout(rest)
	case "verify":
		return cmdVerify(rest)
	case "dashboard":
		return cmdDashboard(rest)
	case "signature":
		return cmdSignature(rest)
	case "compliance":
		return cmdCompliance(rest)
	case "validate":
		return cmdValidate(rest)
	case "backup":
		return cmdBackup(rest)
	case "performance":
		return cmdPerformance(rest)
	default:
		return fmt.Errorf("unknown command %q", sub)
	}
}

// quietLogger discards routine operational logging so CLI output stays
// limited to the command's own JSON result, mirroring how a one-shot CLI
// invocation shouldn't interleave server-style log lines with its answer.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openLog(projectPath string) (*auditlog.Log, error) {
	cfg := config.Default().FromEnv()
	cfg.ProjectPath = projectPath
	al, err := auditlog.Initialize(cfg, quietLogger())
	if err != nil {
		return nil, err
	}
	if sess := loadSessionFile(projectPath); !sess.Empty() {
		al.SetSession(sess.UserID, sess.SessionID, sess.IPAddress)
	}
	return al, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func projectFlag(fs *flag.FlagSet) *string {
	return fs.String("project", "", "path to the audit project root (required)")
}

func requireProject(path string) error {
	if path == "" {
		return fmt.Errorf("--project is required")
	}
	return nil
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	project := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()
	fmt.Printf("initialized audit project at %s\n", *project)
	return nil
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	project := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	d, err := al.Statistics(context.Background())
	if err != nil {
		return err
	}
	return printJSON(d)
}

func cmdSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	project := projectFlag(fs)
	user := fs.String("user", "", "filter by user")
	action := fs.String("action", "", "filter by action substring")
	entityType := fs.String("entity-type", "", "filter by entity type")
	entityID := fs.String("entity-id", "", "filter by entity id")
	details := fs.String("details", "", "filter by details keyword")
	limit := fs.Int("limit", 100, "maximum results")
	offset := fs.Int("offset", 0, "pagination offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	res, err := al.Search(search.Criteria{
		User: *user, Action: *action, EntityType: *entityType, EntityID: *entityID,
		DetailsKeyword: *details, Limit: *limit, Offset: *offset,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	project := projectFlag(fs)
	format := fs.String("format", string(export.FormatJSON), "output format: CSV|JSON|XML|PDF-text")
	out := fs.String("out", "", "output file path (required)")
	filter := fs.String("filter", "", "mini-language filter, e.g. user:alice,action:Approve")
	maxEntries := fs.Int("max-entries", 0, "cap on entries exported (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("--out is required")
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	stats, err := al.Export(export.Options{
		Format: export.Format(*format), OutputPath: *out, Filter: *filter, MaxEntries: *maxEntries,
	})
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func cmdRotate(args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ContinueOnError)
	project := projectFlag(fs)
	force := fs.Bool("force", false, "force a rotation even if the rollover condition isn't met")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	ctx := context.Background()
	if *force {
		if err := al.ForceRotate(ctx); err != nil {
			return err
		}
	} else if err := al.CheckAndRotate(ctx); err != nil {
		return err
	}

	stats, err := al.RotationStats()
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"daily_files": stats})
}

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	project := projectFlag(fs)
	days := fs.Int("days", 2555, "retention window in days")
	confirm := fs.Bool("confirm", false, "required to actually delete files (destructive operation)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	report := al.Cleanup(*days, !*confirm)
	if !*confirm {
		fmt.Fprintln(os.Stderr, "dry run: pass --confirm to actually delete the files listed below")
	}
	return printJSON(report)
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	project := projectFlag(fs)
	user := fs.String("user", "", "user id to bind as the current session (required)")
	sessionID := fs.String("session-id", "", "session id (defaults to a generated value)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	sid := *sessionID
	if sid == "" {
		sid = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}
	if err := writeSessionFile(*project, *user, sid); err != nil {
		return err
	}
	fmt.Printf("logged in as %s (session %s)\n", *user, sid)
	return nil
}

func cmdLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	project := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	if err := clearSessionFile(*project); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	project := projectFlag(fs)
	file := fs.String("file", "", "verify a single file instead of the whole chain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	if *file != "" {
		res, err := al.VerifyFile(*file)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	res, err := al.VerifyAll()
	if err != nil {
		return err
	}
	if jerr := printJSON(res); jerr != nil {
		return jerr
	}
	if !res.Verified {
		al.Close()
		os.Exit(1)
	}
	return nil
}

func cmdDashboard(args []string) error {
	return cmdStats(args)
}

func cmdSignature(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: auditctl signature <create|verify|list|requirements> [flags]")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("signature "+sub, flag.ContinueOnError)
	project := projectFlag(fs)
	user := fs.String("user", "", "user id performing the signing action")
	action := fs.String("action", "", "the action being signed for, e.g. Approve")
	entityType := fs.String("entity-type", "", "entity type")
	entityID := fs.String("entity-id", "", "entity id")
	reason := fs.String("reason", "", "reason text")
	method := fs.String("method", string(entrymodel.MethodPassword), "signing method: Password|TwoFactor|Biometric|DigitalCertificate")
	id := fs.String("id", "", "signature id (verify)")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	switch sub {
	case "create":
		sig, err := al.CreateSignature(context.Background(), *user, entrymodel.Action(*action), *entityType, *entityID, *reason, entrymodel.SignatureMethod(*method))
		if err != nil {
			return err
		}
		return printJSON(sig)
	case "verify":
		if *id == "" {
			return fmt.Errorf("--id is required")
		}
		res, err := al.VerifySignature(*id)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "list":
		sigs, err := al.ListSignatures(*entityType, *entityID)
		if err != nil {
			return err
		}
		return printJSON(sigs)
	case "requirements":
		met, err := al.SignatureRequirements(entrymodel.Action(*action), *entityType, *entityID)
		if err != nil {
			return err
		}
		return printJSON(map[string]bool{"requirements_met": met})
	default:
		return fmt.Errorf("unknown signature subcommand %q", sub)
	}
}

func cmdCompliance(args []string) error {
	fs := flag.NewFlagSet("compliance", flag.ContinueOnError)
	project := projectFlag(fs)
	period := fs.String("period", "monthly", "reporting period label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	var report compliance.Report
	report, err = al.ComplianceReport(*period)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	project := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	v, err := al.Validate()
	if err != nil {
		return err
	}
	return printJSON(v)
}

func cmdBackup(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: auditctl backup <create|list|restore|delete|verify|cleanup|info> [flags]")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("backup "+sub, flag.ContinueOnError)
	project := projectFlag(fs)
	id := fs.String("id", "", "backup id")
	days := fs.Int("days", 2555, "retention window in days (cleanup)")
	confirm := fs.Bool("confirm", false, "required for restore/delete (destructive operations)")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	switch sub {
	case "create":
		m, err := al.CreateBackup()
		if err != nil {
			return err
		}
		return printJSON(m)
	case "list":
		list, err := al.ListBackups()
		if err != nil {
			return err
		}
		return printJSON(list)
	case "info":
		if *id == "" {
			return fmt.Errorf("--id is required")
		}
		m, err := al.BackupInfo(*id)
		if err != nil {
			return err
		}
		return printJSON(m)
	case "verify":
		if *id == "" {
			return fmt.Errorf("--id is required")
		}
		ok, mismatches, err := al.VerifyBackup(*id)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"ok": ok, "mismatches": mismatches})
	case "restore":
		if *id == "" {
			return fmt.Errorf("--id is required")
		}
		if !*confirm {
			return fmt.Errorf("restore is destructive; pass --confirm to proceed")
		}
		if err := al.RestoreBackup(*id); err != nil {
			return err
		}
		fmt.Printf("restored backup %s\n", *id)
		return nil
	case "delete":
		if *id == "" {
			return fmt.Errorf("--id is required")
		}
		if !*confirm {
			return fmt.Errorf("delete is destructive; pass --confirm to proceed")
		}
		return fmt.Errorf("backup delete is not supported: manifests are retained until cleanup's retention window expires")
	case "cleanup":
		if !*confirm {
			fmt.Fprintln(os.Stderr, "note: pass --confirm to actually delete expired backups")
			return nil
		}
		deleted, err := al.CleanupBackups(*days)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"deleted": deleted})
	default:
		return fmt.Errorf("unknown backup subcommand %q", sub)
	}
}

// cmdPerformance covers the metrics|configure|index|search|benchmark group
// from spec section 6.4. Only the operations that map onto an existing core
// contract are wired; the rest are reserved for a future sprint's
// performance-tuning surface.
func cmdPerformance(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: auditctl performance <metrics|configure|index|search|benchmark> [flags]")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("performance "+sub, flag.ContinueOnError)
	project := projectFlag(fs)
	user := fs.String("user", "", "index search: user filter")
	action := fs.String("action", "", "index search: action filter")
	entityType := fs.String("entity-type", "", "index search: entity type filter")
	entityID := fs.String("entity-id", "", "index search: entity id filter")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if err := requireProject(*project); err != nil {
		return err
	}
	al, err := openLog(*project)
	if err != nil {
		return err
	}
	defer al.Close()

	switch sub {
	case "metrics":
		d, err := al.Statistics(context.Background())
		if err != nil {
			return err
		}
		return printJSON(d)
	case "search":
		entries, err := al.IndexedSearch(indexQuery(*user, *action, *entityType, *entityID))
		if err != nil {
			return err
		}
		return printJSON(entries)
	case "index", "configure", "benchmark":
		return fmt.Errorf("performance %s: not implemented in this sprint", sub)
	default:
		return fmt.Errorf("unknown performance subcommand %q", sub)
	}
}
