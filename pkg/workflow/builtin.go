package workflow

import "embed"

//go:embed builtin/*.toml
var builtinFiles embed.FS
