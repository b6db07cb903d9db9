package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/app"
	"github.com/jmehdipour/delivery-saga/internal/logger"
	"github.com/jmehdipour/delivery-saga/migrations"
)

var withClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var needs []app.Resource
		if withClickHouse {
			needs = append(needs, app.ClickHouse)
		}
		a, err := app.Open(cfgPath, needs...)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()

		if _, err := a.MySQL.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return fmt.Errorf("disable fk checks: %w", err)
		}
		err = applyDir(ctx, a.MySQL, migrations.MySQL, ".", false)
		if _, fkErr := a.MySQL.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); fkErr != nil && err == nil {
			err = fmt.Errorf("enable fk checks: %w", fkErr)
		}
		if err != nil {
			return err
		}
		a.Log.Info("mysql migrations applied")

		if withClickHouse {
			if err := applyDir(ctx, a.ClickHouse, migrations.ClickHouse, "clickhouse", true); err != nil {
				return err
			}
			a.Log.Info("clickhouse migrations applied")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&withClickHouse, "clickhouse", false, "also create the ClickHouse reporting schema")
}

// applyDir executes every .sql file of dir in name order. ClickHouse takes one
// statement per call, so split breaks files on ';'.
func applyDir(ctx context.Context, db *sqlx.DB, fsys fs.FS, dir string, split bool) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		path := e.Name()
		if dir != "." {
			path = dir + "/" + e.Name()
		}
		body, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		stmts := []string{string(body)}
		if split {
			stmts = splitStatements(string(body))
		}
		for _, s := range stmts {
			if _, err := db.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("exec %s: %w", path, err)
			}
		}
		logger.Log.Debug("migration applied", zap.String("file", path))
	}
	return nil
}

func splitStatements(body string) []string {
	var out []string
	for _, part := range strings.Split(body, ";") {
		var lines []string
		for _, l := range strings.Split(part, "\n") {
			if t := strings.TrimSpace(l); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, l)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}
