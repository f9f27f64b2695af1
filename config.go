package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/keyfold/keyfold/internal/cfgutil"
)

const (
	defaultConfigFilename = "keyfold.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "keyfold.log"
	defaultDBFilename     = "keyfold.db"
	defaultUIPort         = "8432"
	defaultPagePort       = "8433"
	defaultMaxClients     = 125
	defaultPageRate       = 25.0
	defaultPageBurst      = 50
	defaultUnlockTimeout  = 10 * time.Minute
)

var (
	defaultAppDataDir = appDataDir("keyfold")
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

type config struct {
	// General application behavior.
	ShowVersion bool                    `short:"V" long:"version" description:"Display version information and exit"`
	Create      bool                    `long:"create" description:"Create the new wallet keychain if it does not exist"`
	ConfigFile  *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  *cfgutil.ExplicitString `short:"A" long:"appdata" description:"Application data directory for the database, config and logs"`
	DebugLevel  string                  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical} or <subsystem>=<level> pairs separated by commas"`
	LogDir      string                  `long:"logdir" description:"Directory to log output"`
	NoFileLog   bool                    `long:"nofilelog" description:"Disable file logging"`

	// Listener settings.
	UIListen       string   `long:"uilisten" description:"Listen address for trusted UI websocket connections"`
	PageListen     string   `long:"pagelisten" description:"Listen address for page websocket connections"`
	AllowedOrigins []string `long:"allowedorigin" description:"Add an origin allowed to open page channels (may be repeated; default accepts all)"`
	MaxClients     int      `long:"maxclients" description:"Maximum number of concurrent websocket clients per listener"`
	PageRate       float64  `long:"pagerate" description:"Sustained request rate allowed per page origin, in requests per second (0 disables limiting)"`
	PageBurst      int      `long:"pageburst" description:"Request burst allowed per page origin"`

	// Session settings.
	UnlockTimeout time.Duration `long:"unlocktimeout" description:"Duration an unlock lasts before the wallet relocks itself (0 keeps it unlocked)"`

	// Chain backend settings.
	ChainRPC  string `long:"chainrpc" description:"Websocket JSON-RPC endpoint of the chain backend (empty runs detached)"`
	Proxy     string `long:"proxy" description:"Connect to the chain backend via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// Derived, not settable by flags.
	dbPath string
}

// appDataDir returns an operating system specific directory for application
// data, named after the passed application name.
func appDataDir(appName string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	capitalized := strings.ToUpper(appName[:1]) + appName[1:]
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, capitalized)
		}
		return filepath.Join(homeDir, capitalized)
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support",
			capitalized)
	default:
		return filepath.Join(homeDir, "."+appName)
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", homeDir, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in the daemon functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile:    cfgutil.NewExplicitString(defaultConfigFile),
		AppDataDir:    cfgutil.NewExplicitString(defaultAppDataDir),
		DebugLevel:    defaultLogLevel,
		LogDir:        defaultLogDir,
		UIListen:      "localhost:" + defaultUIPort,
		PageListen:    "localhost:" + defaultPagePort,
		MaxClients:    defaultMaxClients,
		PageRate:      defaultPageRate,
		PageBurst:     defaultPageBurst,
		UnlockTimeout: defaultUnlockTimeout,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// If the app data directory was changed but the config file wasn't,
	// look for the config file in the new directory.
	configFilePath := preCfg.ConfigFile.Value
	if preCfg.ConfigFile.ExplicitlySet() {
		configFilePath = cleanAndExpandPath(configFilePath)
	} else if preCfg.AppDataDir.ExplicitlySet() {
		configFilePath = filepath.Join(
			cleanAndExpandPath(preCfg.AppDataDir.Value),
			defaultConfigFilename)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFileExists, err := cfgutil.FileExists(configFilePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if configFileExists {
		err = flags.NewIniParser(parser).ParseFile(configFilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
	} else if preCfg.ConfigFile.ExplicitlySet() {
		err := fmt.Errorf("%s: the specified config file %v does not "+
			"exist", funcName, configFilePath)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Expand and create the app data directory.
	cfg.AppDataDir.Value = cleanAndExpandPath(cfg.AppDataDir.Value)
	if err := os.MkdirAll(cfg.AppDataDir.Value, 0700); err != nil {
		err := fmt.Errorf("%s: failed to create app data directory: %v",
			funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.dbPath = filepath.Join(cfg.AppDataDir.Value, defaultDBFilename)

	// If the log directory wasn't set explicitly, nest it under the app
	// data directory.
	if cfg.LogDir == defaultLogDir && cfg.AppDataDir.ExplicitlySet() {
		cfg.LogDir = filepath.Join(cfg.AppDataDir.Value, defaultLogDirname)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	if !cfg.NoFileLog {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Normalize the listener addresses.
	cfg.UIListen, err = cfgutil.NormalizeAddress(cfg.UIListen, defaultUIPort)
	if err != nil {
		err := fmt.Errorf("%s: invalid uilisten address: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.PageListen, err = cfgutil.NormalizeAddress(cfg.PageListen,
		defaultPagePort)
	if err != nil {
		err := fmt.Errorf("%s: invalid pagelisten address: %v", funcName,
			err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.UIListen == cfg.PageListen {
		err := fmt.Errorf("%s: uilisten and pagelisten must differ; the "+
			"two trust domains may not share a listener", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.PageRate < 0 || cfg.PageBurst < 0 {
		err := fmt.Errorf("%s: pagerate and pageburst must not be "+
			"negative", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.UnlockTimeout < 0 {
		err := fmt.Errorf("%s: unlocktimeout must not be negative",
			funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
