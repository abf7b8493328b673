package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const maxLogFiles = 100

var errIniNotFound = errors.New("not found")

type settings struct {
	Root string // app root dir

	HubAddr      string // external hub URL; empty runs a hub in process
	HubToken     string
	Participants int
	FrameSize    int

	FrameInterval time.Duration
	ChurnInterval time.Duration

	ListenPrometheus string

	// proxy section
	ProxyAddr    string
	ProxyUser    string
	ProxyPass    string
	TorIsolation bool
	CircuitLimit int

	// log section
	LogFile    string // log filename
	DebugLevel string // debug level config string

	// Debug section
	Profile string // Profiler bind addr
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

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}

func obtainSettings() (*settings, error) {
	// setup default paths
	usr, err := user.Current()
	if err != nil {
		return nil, err
	}

	// config file
	rootDir := filepath.Join(usr.HomeDir, ".mcdemo")
	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return nil, err
	}
	filename := flag.String("cfg", filepath.Join(rootDir, "mcdemo.conf"), "config file")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "mcdemo %s (%s)\n",
			version(), runtime.Version())
		os.Exit(0)
	}

	// parse file
	cfg, err := ini.LoadFile(*filename)
	if errors.Is(err, os.ErrNotExist) {
		// Run on defaults without a config file.
		cfg = ini.File{}
	} else if err != nil {
		return nil, err
	}

	get := func(s *string, section, field string) {
		v, ok := cfg.Get(section, field)
		if ok {
			*s = v
		}
	}
	getInt := func(i *int, section, field string) {
		s, ok := cfg.Get(section, field)
		if ok {
			v, err := strconv.Atoi(s)
			if err == nil {
				*i = v
			}
		}
	}
	getBool := func(b *bool, section, field string) {
		s, ok := cfg.Get(section, field)
		if ok {
			v, err := strconv.ParseBool(s)
			if err == nil {
				*b = v
			}
		}
	}

	// Default settings.
	s := &settings{
		Root:          rootDir,
		Participants:  3,
		FrameSize:     160,
		FrameInterval: 20 * time.Millisecond,
		ChurnInterval: 15 * time.Second,
		CircuitLimit:  32,
		LogFile:       filepath.Join(rootDir, "logs", "mcdemo.log"),
		DebugLevel:    "info",
	}

	// Fill settings.
	get(&s.HubAddr, "", "hubaddr")
	get(&s.HubToken, "", "hubtoken")
	getInt(&s.Participants, "", "participants")
	getInt(&s.FrameSize, "", "framesize")
	get(&s.ListenPrometheus, "", "listenprometheus")
	get(&s.ProxyAddr, "proxy", "addr")
	get(&s.ProxyUser, "proxy", "user")
	get(&s.ProxyPass, "proxy", "pass")
	getBool(&s.TorIsolation, "proxy", "torisolation")
	getInt(&s.CircuitLimit, "proxy", "circuitlimit")
	get(&s.LogFile, "log", "logfile")
	get(&s.DebugLevel, "log", "debuglevel")
	get(&s.Profile, "debug", "profile")

	err = iniDuration(cfg, &s.FrameInterval, "", "frameinterval")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return nil, fmt.Errorf("unable to parse frame interval: %w", err)
	}
	err = iniDuration(cfg, &s.ChurnInterval, "", "churninterval")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return nil, fmt.Errorf("unable to parse churn interval: %w", err)
	}

	if s.LogFile != "" {
		s.LogFile, err = homedir.Expand(s.LogFile)
		if err != nil {
			return nil, fmt.Errorf("invalid logfile path: %w", err)
		}
	}

	if s.Participants < 2 {
		return nil, errors.New("at least two participants required")
	}
	if s.FrameSize < 1 {
		return nil, errors.New("frame size must be positive")
	}
	if s.FrameInterval <= 0 {
		return nil, errors.New("frame interval must be positive")
	}

	return s, nil
}
