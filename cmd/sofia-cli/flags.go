package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to validation.
type cliConfig struct {
	addr        string
	user        string
	pass        string
	logLevel    string
	timeout     time.Duration
	attempts    uint
	showVersion bool

	command string
	args    []string
}

const usageText = `Usage: sofia-cli [flags] <command> [args]

Commands:
  login                                  connect, authenticate, disconnect
  channels                               list channel names
  config <name>                          fetch a configuration blob (e.g. General.General)
  sysinfo <name>                         fetch a system info blob (e.g. SystemInfo)
  snap <channel> <outfile>               capture a still picture to a file
  alarms [count]                         print alarm events (forever, or until count)
  live <channel> <outfile> [packets]     dump raw live captured-stream packets
  gateway <channel> <listen-addr>        serve one channel's raw live stream over TCP
  playback <file> <start> <hours> <out>  dump remote playback (start: "2006-01-02 15:04:05", device-local)
`

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("sofia-cli", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.Usage = func() {
		fmt.Fprint(os.Stdout, usageText+"\nFlags:\n")
		fs.PrintDefaults()
	}

	cfg := &cliConfig{}
	fs.StringVar(&cfg.addr, "addr", "localhost:34567", "Device address (host or host:port)")
	fs.StringVar(&cfg.user, "user", "admin", "Device user name")
	fs.StringVar(&cfg.pass, "pass", "", "Device password (hashed before it leaves the process)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Per-request deadline")
	fs.UintVar(&cfg.attempts, "attempts", 1, "Connect attempts before giving up")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return nil, fmt.Errorf("missing command")
	}
	cfg.command = strings.ToLower(rest[0])
	cfg.args = rest[1:]

	// Per-command arity checks keep the run functions simple.
	need := map[string]int{
		"login": 0, "channels": 0, "config": 1, "sysinfo": 1,
		"snap": 2, "alarms": 0, "live": 2, "gateway": 2, "playback": 4,
	}
	n, ok := need[cfg.command]
	if !ok {
		err := fmt.Errorf("unknown command %q", cfg.command)
		fmt.Fprintln(fs.Output(), err)
		return nil, err
	}
	if len(cfg.args) < n {
		err := fmt.Errorf("command %q needs at least %d argument(s)", cfg.command, n)
		fmt.Fprintln(fs.Output(), err)
		return nil, err
	}
	return cfg, nil
}
