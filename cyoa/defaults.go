// Package cyoa holds application-wide defaults shared by the config layer and the CLI.
package cyoa

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "cyoa"

	// DefaultModel is served by every agent role unless overridden.
	DefaultModel = "meta-llama/Llama-3.2-3B-Instruct"

	DefaultServerCommand = "vllm"
	DefaultServerHost    = "127.0.0.1"

	DefaultStorytellerPort = 8999
	DefaultDirectorPort    = 9000
	DefaultCharacterPort   = 9001

	DefaultDebugLogFile = "cyoa_debug.log"
)

// DefaultConfigPath is the per-user config directory searched by config.LoadConfig.
var DefaultConfigPath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+DefaultAppName)
	}
	return filepath.Join(home, ".config", DefaultAppName)
}()

// Version is stamped at build time with -ldflags "-X github.com/ZanzyTHEbar/cyoa-agents/cyoa.Version=...".
var Version = "dev"
