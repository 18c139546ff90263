// Package config defines the cached binary's command-line and file-based
// configuration, following the teacher CLI's go-arg subcommand layout.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ServeCmd runs the cache engine behind the admin HTTP surface.
type ServeCmd struct {
	AdminAddr   string `arg:"--admin-addr" toml:"admin_addr" help:"address of the admin HTTP server" default:"127.0.0.1:5000"`
	CacheDir    string `arg:"--cache-dir" toml:"cache_dir" help:"local directory to store cached segments in" default:"/var/cache/segcache"`
	BlockSize   int    `arg:"--block-size" toml:"block_size" help:"size in bytes of one cache block, must be a power of two" default:"1048576"`
	BudgetBytes int64  `arg:"--budget-bytes" toml:"budget_bytes" help:"total local disk budget in bytes" default:"1073741824"`
}

// GetCmd fetches one byte range of a remote file through the cache, printing
// progress, and is meant as a demonstration and smoke-test client.
type GetCmd struct {
	URL      string `arg:"positional,required" toml:"-" help:"URL of the remote file to fetch through the cache"`
	Offset   int64  `arg:"--offset" toml:"-" help:"starting byte offset" default:"0"`
	Count    int64  `arg:"--count" toml:"-" help:"number of bytes to fetch" default:"0"`
	CacheDir string `arg:"--cache-dir" toml:"cache_dir" help:"local directory to store cached segments in" default:"/var/cache/segcache"`
	Out      string `arg:"--out" toml:"out" help:"path to write the fetched bytes to" default:"-"`
}

// Arguments is the top-level CLI, parsed with go-arg.
type Arguments struct {
	Serve    *ServeCmd `arg:"subcommand:serve" help:"run the cache engine with an admin HTTP surface"`
	Get      *GetCmd   `arg:"subcommand:get" help:"fetch a byte range through the cache"`
	LogLevel string    `arg:"--log-level" help:"set the log level" default:"info" valid:"debug,info,warn,error,fatal,panic"`
	Config   string    `arg:"--config" help:"path to an optional cached.toml overriding the defaults above"`
}

// fileConfig mirrors the subset of Arguments that cached.toml may set.
// go-arg parses flags first; LoadFile then overwrites every field the file
// sets, so a file value wins over both the go-arg default and a flag.
type fileConfig struct {
	Serve *ServeCmd `toml:"serve"`
	Get   *GetCmd   `toml:"get"`
}

// LoadFile reads path and copies every non-empty field it sets into Arguments,
// whether Arguments holds a go-arg default or a value passed as a flag. A
// missing path is not an error; cached.toml is always optional.
func LoadFile(path string, args *Arguments) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if args.Serve != nil && fc.Serve != nil {
		mergeServe(args.Serve, fc.Serve)
	}
	if args.Get != nil && fc.Get != nil {
		mergeGet(args.Get, fc.Get)
	}

	return nil
}

func mergeServe(dst, src *ServeCmd) {
	if src.AdminAddr != "" {
		dst.AdminAddr = src.AdminAddr
	}
	if src.CacheDir != "" {
		dst.CacheDir = src.CacheDir
	}
	if src.BlockSize != 0 {
		dst.BlockSize = src.BlockSize
	}
	if src.BudgetBytes != 0 {
		dst.BudgetBytes = src.BudgetBytes
	}
}

func mergeGet(dst, src *GetCmd) {
	if src.CacheDir != "" {
		dst.CacheDir = src.CacheDir
	}
	if src.Out != "" {
		dst.Out = src.Out
	}
}
