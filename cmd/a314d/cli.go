package main

import "flag"

// Options holds CLI options for the daemon.
type Options struct {
	ConfigPath   string
	ServicesPath string
}

// ParseFlags parses CLI flags from args and returns Options. The optional
// positional argument overrides the service table path.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("a314d", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML daemon config file")
	_ = fs.Parse(args)
	if fs.NArg() >= 1 {
		opts.ServicesPath = fs.Arg(0)
	}
	return opts
}
