package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"OpenIntent-Chain/deploy/migrations"
)

var embeddedMigrations = migrations.Files

// migration 是一份解析完成的迁移脚本，语句已按分号拆开。
type migration struct {
	version    string
	source     string
	statements []string
}

// RunMigrations 按版本号顺序应用 deploy/migrations 中尚未执行的迁移。
// 每份脚本在独立事务中执行，版本记录与脚本语句一起提交。
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if err := ensureVersionTable(ctx, db); err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := parseMigrations()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("读取已应用迁移版本失败: %w", err)
	}
	defer rows.Close()

	applied := map[string]struct{}{}
	var version string
	for rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("扫描迁移版本行失败: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代迁移版本失败: %w", err)
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("启动迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.source, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.version, time.Now().Unix()); err != nil {
		return fmt.Errorf("写入迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移失败: %w", err)
	}
	return nil
}

func parseMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("枚举迁移脚本失败: %w", err)
	}

	parsed := make([]migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		raw, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移脚本 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(raw))
		if len(statements) == 0 {
			continue
		}
		parsed = append(parsed, migration{
			version:    versionOf(name),
			source:     name,
			statements: statements,
		})
	}

	slices.SortFunc(parsed, func(a, b migration) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.source, b.source)
	})
	return parsed, nil
}

// splitStatements 把脚本拆成可独立执行的语句。注释行先被剔除，
// 避免注释中的分号干扰拆分。
func splitStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var statements []string
	for _, chunk := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt := strings.TrimSpace(chunk); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// versionOf 取文件名里下划线或扩展名之前的版本号段。
func versionOf(name string) string {
	if version, _, found := strings.Cut(name, "_"); found {
		return version
	}
	version, _, _ := strings.Cut(name, ".")
	return version
}
