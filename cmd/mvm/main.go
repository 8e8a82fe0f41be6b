// mvm runs a compiled program image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/mvm/config"
	"github.com/chazu/mvm/statsdb"
	"github.com/chazu/mvm/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "", "Directory containing mvm.toml (default: search upwards from the working directory)")
	verbosity := flag.Int("v", 0, "Log verbosity (overrides [log] verbosity)")
	workers := flag.Int("workers", -1, "Scheduler workers (overrides [scheduler] workers)")
	statsPath := flag.String("stats", "", "Statistics database (overrides [stats] database)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mvm [options] <image>\n\n")
		fmt.Fprintf(os.Stderr, "Loads a program image and runs its entry method.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit status is 0 on success, 1 if the entry process panicked or the\n")
		fmt.Fprintf(os.Stderr, "image could not be loaded, and 2 on a fatal runtime error.\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}
	imagePath := flag.Arg(0)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *verbosity > 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *workers >= 0 {
		cfg.Scheduler.Workers = *workers
	}
	if *statsPath != "" {
		cfg.Stats.Database = *statsPath
	}

	if path := cfg.LogPath(); path != "" {
		commonlog.Configure(cfg.Log.Verbosity, &path)
	} else {
		commonlog.Configure(cfg.Log.Verbosity, nil)
	}

	opts, err := vm.OptionsFrom(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	opts.ID = uuid.New()

	if path := cfg.StatsPath(); path != "" {
		db, err := statsdb.Open(path, opts.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer db.Close()
		opts.Journal = db
	}

	rt := vm.NewRuntime(opts)
	entry, err := vm.LoadImageFile(rt, imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading image %s: %v\n", imagePath, err)
		if err := rt.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return rt.Run(entry)
}

// loadConfig reads mvm.toml from dir, or from the nearest enclosing
// directory when dir is empty. Without a file the defaults apply.
func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}
