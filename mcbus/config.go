package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
)

const maxLogFiles = 100

type config struct {
	Listen []string

	Tokens []string

	ListenPrometheus string

	SendQueueSize int

	LogFile    string
	DebugLevel string
	Profiler   string
}

func version() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "(unknown version)"
	}
	var vcs, revision string
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs":
			vcs = bs.Value
		case "vcs.revision":
			revision = bs.Value
		}
	}
	if vcs == "" {
		return "(unknown version)"
	}
	if vcs == "git" && len(revision) > 9 {
		revision = revision[:9]
	}
	return revision
}

var defaultHomeDir, _ = homedir.Expand("~/.mcbus")
var defaultCfgFile = filepath.Join(defaultHomeDir, "mcbus.conf")

func loadConfig() (*config, error) {
	cfgFileFlag := flag.String("cfg", defaultCfgFile, "Config file")
	versionFlag := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "mcbus %s (%s)\n",
			version(), runtime.Version())
		os.Exit(0)
	}

	cfg := config{
		Listen:     []string{"127.0.0.1:8665"},
		LogFile:    filepath.Join(defaultHomeDir, "logs", "mcbus.log"),
		DebugLevel: "info",
	}

	if err := os.MkdirAll(defaultHomeDir, 0o700); err != nil {
		return nil, err
	}
	cfgBytes, err := os.ReadFile(*cfgFileFlag)
	if errors.Is(err, os.ErrNotExist) {
		// Run on defaults without a config file.
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}

	err = toml.Unmarshal(cfgBytes, &cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Listen) == 0 {
		return nil, errors.New("no listen addresses")
	}
	for _, addr := range cfg.Listen {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}

	return &cfg, nil
}
