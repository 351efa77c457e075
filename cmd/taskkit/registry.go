package main

import (
	"time"

	"github.com/saryou/taskkit/internal/backend/sqlite"
	"github.com/saryou/taskkit/internal/handler/shell"
	"github.com/saryou/taskkit/internal/registry"
)

// openBackend opens the SQLite reference backend at dbPath.
func openBackend() (*sqlite.Backend, error) {
	return sqlite.New(dbPath)
}

// defaultRegistry wires the built-in shell handler under group "shell",
// name "run". Embedders of this module register their own handlers
// instead of using this CLI; it exists to make `taskkit worker`/`task
// submit` usable out of the box.
func defaultRegistry() *registry.Registry {
	reg := registry.New()
	h := shell.New("", map[string][]string{
		"go":  {"test", "vet", "build"},
		"git": {"status", "diff", "log"},
	}, 5*time.Second)
	_ = reg.Register("shell", "run", h)
	return reg
}
