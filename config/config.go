package config

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/sablenet/sabled/chaincfg"
)

const (
	defaultLogFilename = "sabled.log"
	defaultDataDirname = "data"
	defaultLogLevel    = "info"
)

var (
	// DefaultHomeDir is the default home directory of sabled.
	DefaultHomeDir = btcutil.AppDataDir("sabled", false)
)

// Config defines the configuration options for sabled.
type Config struct {
	ConfigFile       string `short:"C" long:"configfile" description:"Path to configuration file"`
	HomeDir          string `short:"b" long:"homedir" description:"Directory to store data"`
	LogLevel         string `short:"d" long:"loglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	SimNet           bool   `long:"simnet" description:"Use the simulation test network"`
	HorizonBranching uint64 `long:"horizonbranching" description:"Depth behind the tip beyond which non-active branches are pruned (0: network default)"`
	HorizonErase     uint64 `long:"horizonerase" description:"Depth behind the tip beyond which block bodies are erased (0: network default)"`
	MiningMnemonic   string `long:"miningmnemonic" description:"BIP39 mnemonic the mining keys derive from (a fresh one is generated when empty)"`
	PromptSeedPass   bool   `long:"promptseedpass" description:"Prompt for the mining seed passphrase on startup"`

	// SeedPassphrase is resolved from the prompt, never from the command
	// line.
	SeedPassphrase string

	activeParams *chaincfg.Params
}

// NetParams returns the network parameters the configuration selects.
func (cfg *Config) NetParams() *chaincfg.Params {
	return cfg.activeParams
}

// DataDir returns the directory holding the chain database.
func (cfg *Config) DataDir() string {
	return filepath.Join(cfg.HomeDir, defaultDataDirname, cfg.activeParams.Name)
}

// LogFile returns the path of the rotated log file.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.HomeDir, "logs", cfg.activeParams.Name, defaultLogFilename)
}

// Parse parses the command line options and returns a config struct.
func Parse() (*Config, error) {
	cfg := &Config{
		HomeDir:  DefaultHomeDir,
		LogLevel: defaultLogLevel,
	}
	// A first pass picks up --configfile; the file's settings are then
	// overridden by the command line proper.
	preParser := flags.NewParser(cfg, flags.IgnoreUnknown)
	if _, err := preParser.Parse(); err != nil {
		return nil, err
	}
	parser := flags.NewParser(cfg, flags.Default)
	if cfg.ConfigFile != "" {
		iniParser := flags.NewIniParser(parser)
		if err := iniParser.ParseFile(cfg.ConfigFile); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", cfg.ConfigFile)
		}
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	cfg.activeParams = &chaincfg.MainNetParams
	if cfg.SimNet {
		cfg.activeParams = &chaincfg.SimNetParams
	}

	if cfg.HorizonBranching == 0 {
		cfg.HorizonBranching = cfg.activeParams.DefaultHorizon.Branching
	}
	if cfg.HorizonErase == 0 {
		cfg.HorizonErase = cfg.activeParams.DefaultHorizon.Erase
	}
	if cfg.HorizonBranching > cfg.HorizonErase {
		return nil, errors.Errorf("--horizonbranching (%d) may not exceed "+
			"--horizonerase (%d)", cfg.HorizonBranching, cfg.HorizonErase)
	}

	if cfg.PromptSeedPass {
		pass, err := promptSeedPassphrase()
		if err != nil {
			return nil, err
		}
		cfg.SeedPassphrase = pass
	}

	return cfg, nil
}

// promptSeedPassphrase reads the mining seed passphrase from the terminal
// without echoing it.
func promptSeedPassphrase() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("--promptseedpass requires an interactive terminal")
	}
	os.Stdout.WriteString("Mining seed passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	os.Stdout.WriteString("\n")
	if err != nil {
		return "", errors.Wrap(err, "failed to read passphrase")
	}
	return string(pass), nil
}
