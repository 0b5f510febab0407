package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"teamchat/internal/composer"
	"teamchat/internal/config"
)

// report tallies doctor results.
type report struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) fail(check, detail string) {
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) warn(check, detail string) {
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your teamchat installation",
		Long: `Verifies that the configuration, message store, upload and command
directories and bridge ports are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

func runDoctor(out io.Writer, cfgPath string) error {
	fmt.Fprintf(out, "teamchat doctor v%s\n", version)
	fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	r := &report{out: out}

	if _, err := os.Stat(cfgPath); err != nil {
		r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(out, "\nRun 'teamchat init' to create a default configuration.\n")
		return fmt.Errorf("config not found")
	}
	r.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		r.fail("Config validation", err.Error())
		fmt.Fprintf(out, "\n%d passed, %d failed\n", r.passed, r.failed)
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	r.pass("Config validation", "valid")

	if err := checkDatabase(cfg.Store.DBPath); err != nil {
		r.fail("Message store", err.Error())
	} else {
		r.pass("Message store", cfg.Store.DBPath)
	}

	if err := checkWritableDir(cfg.Uploads.StoragePath); err != nil {
		r.fail("Uploads", err.Error())
	} else {
		r.pass("Uploads", cfg.Uploads.StoragePath)
	}

	if info, err := os.Stat(cfg.Commands.Dir); err != nil || !info.IsDir() {
		r.warn("Commands", fmt.Sprintf("no command definitions at %s", cfg.Commands.Dir))
	} else if defs, err := composer.LoadCommandsFromDirectory(cfg.Commands.Dir, logger); err != nil {
		r.fail("Commands", err.Error())
	} else {
		r.pass("Commands", fmt.Sprintf("%d definition(s) in %s", len(defs), cfg.Commands.Dir))
	}

	ports := []struct {
		name    string
		enabled bool
		port    int
	}{
		{"WebSocket port", cfg.Channels.WebSocket.Enabled, cfg.Channels.WebSocket.Port},
		{"Webhook port", cfg.Channels.Webhook.Enabled, cfg.Channels.Webhook.Port},
		{"Metrics port", cfg.Metrics.Enabled, cfg.Metrics.Port},
	}
	for _, p := range ports {
		if !p.enabled {
			continue
		}
		if err := checkPort(p.port); err != nil {
			r.warn(p.name, fmt.Sprintf("port %d may be in use: %v", p.port, err))
		} else {
			r.pass(p.name, fmt.Sprintf(":%d available", p.port))
		}
	}

	bridges := 0
	for _, b := range []struct {
		name string
		on   bool
	}{
		{"telegram", cfg.Channels.Telegram.Enabled},
		{"slack", cfg.Channels.Slack.Enabled},
		{"discord", cfg.Channels.Discord.Enabled},
	} {
		if b.on {
			bridges++
			r.pass("Bridge: "+b.name, "enabled")
		}
	}
	if bridges == 0 && !cfg.Channels.WebSocket.Enabled && !cfg.Channels.Webhook.Enabled {
		r.warn("Bridges", "none enabled; 'teamchat gateway' has nothing to run")
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}

	fmt.Fprintf(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Fprintf(out, "\nPlease fix the failed checks before running teamchat.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Fprintf(out, "\nteamchat should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(out, "\nAll checks passed! teamchat is ready to run.\n")
	}
	return nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
