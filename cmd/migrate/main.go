package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/shelfcast/publisher/internal/config"
	"github.com/shelfcast/publisher/internal/pkg/logger"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing .sql files")
	listOnly := flag.Bool("list", false, "list scheduler tables and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("[Migrate] load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("[Migrate] connect", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("[Migrate] ping", "error", err)
		os.Exit(1)
	}

	if *listOnly {
		if err := listTables(ctx, db); err != nil {
			logger.Error("[Migrate] list tables", "error", err)
			os.Exit(1)
		}
		return
	}

	ok, failed, err := applyDir(ctx, db, *dir)
	if err != nil {
		logger.Error("[Migrate] read migrations", "dir", *dir, "error", err)
		os.Exit(1)
	}
	logger.Info("[Migrate] done", "ok", ok, "errors", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// applyDir runs every .sql file in name order, each in its own transaction.
// Migrations are written to be re-runnable.
func applyDir(ctx context.Context, db *sql.DB, dir string) (ok, failed int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return ok, failed, err
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if err := applyFile(ctx, db, string(data)); err != nil {
			logger.Error("[Migrate] migration failed", "file", f, "error", err)
			failed++
			continue
		}
		logger.Info("[Migrate] applied", "file", f)
		ok++
	}
	return ok, failed, nil
}

func applyFile(ctx context.Context, db *sql.DB, content string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, content); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func listTables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename IN ('publication_items', 'books', 'campaigns', 'social_accounts', 'content_history')
		ORDER BY tablename`)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
	return rows.Err()
}
