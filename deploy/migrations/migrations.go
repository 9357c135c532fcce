// Package migrations 内嵌启动时需要应用的 SQL 迁移文件。
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
