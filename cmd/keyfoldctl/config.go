package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const defaultServer = "localhost:8432"

type config struct {
	ShowVersion bool          `short:"V" long:"version" description:"Display version information and exit"`
	Server      string        `short:"s" long:"server" description:"Daemon UI websocket address"`
	Timeout     time.Duration `short:"t" long:"timeout" description:"Time to wait for the response before giving up"`
	Wait        bool          `short:"w" long:"wait" description:"Wait for a deferred response, such as a pending approval outcome, instead of exiting after submission"`
}

// loadConfig parses command line options, returning the config and the
// remaining non-option arguments.
func loadConfig() (*config, []string, error) {
	cfg := config{
		Server:  defaultServer,
		Timeout: 30 * time.Second,
	}
	parser := flags.NewParser(&cfg, flags.Default)
	args, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}
	if cfg.ShowVersion {
		fmt.Println("keyfoldctl version 0.3.0-beta")
		os.Exit(0)
	}
	return &cfg, args, nil
}
