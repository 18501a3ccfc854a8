// Package migrations 内嵌任务库的 SQL 迁移脚本，由 internal/storage/mysql
// 的迁移器按文件名中的版本号顺序执行。
package migrations

import "embed"

// Files 暴露全部迁移脚本。
//
//go:embed *.sql
var Files embed.FS
