package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const daemonName = "sentryd"

var (
	log = logging.Logger(daemonName)

	configViper = viper.New()

	flags = map[string]flag{
		"dataDir": {
			Key:      "data_dir",
			DefValue: "./data",
		},
		"dbPath": {
			Key:      "db_path",
			DefValue: "",
		},
		"settingsFile": {
			Key:      "settings_file",
			DefValue: "",
		},
		"muteBackend": {
			Key:      "mute_backend",
			DefValue: "file",
		},
		"listenAddr": {
			Key:      "listen_addr",
			DefValue: "0.0.0.0:8000",
		},
		"debug": {
			Key:      "log.debug",
			DefValue: false,
		},
		"logFile": {
			Key:      "log.file",
			DefValue: "",
		},
	}
)

// flag ties a command line flag to its viper key.
type flag struct {
	Key      string
	DefValue interface{}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String(
		"dataDir",
		flags["dataDir"].DefValue.(string),
		"Directory holding the database, settings and mutes")

	rootCmd.PersistentFlags().String(
		"dbPath",
		flags["dbPath"].DefValue.(string),
		"SQLite database path (default <dataDir>/bitaxe_sentry.db)")

	rootCmd.PersistentFlags().String(
		"settingsFile",
		flags["settingsFile"].DefValue.(string),
		"Settings document path (default <dataDir>/config.json)")

	rootCmd.PersistentFlags().String(
		"muteBackend",
		flags["muteBackend"].DefValue.(string),
		"Mute storage: file, bolt or sqlite")

	rootCmd.PersistentFlags().String(
		"listenAddr",
		flags["listenAddr"].DefValue.(string),
		"HTTP API listen address")

	rootCmd.PersistentFlags().BoolP(
		"debug",
		"d",
		flags["debug"].DefValue.(bool),
		"Enable debug logging")

	rootCmd.PersistentFlags().String(
		"logFile",
		flags["logFile"].DefValue.(string),
		"Write logs to file")

	if err := bindFlags(configViper, rootCmd, flags); err != nil {
		log.Fatal(err)
	}

	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(serveCmd, pollCmd, minersCmd, muteCmd)
	muteCmd.AddCommand(muteSetCmd, muteClearCmd, muteListCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "Bitaxe Sentry daemon",
	Long:  `Polls Bitaxe miners, stores their readings and sends Discord alerts.`,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		return setupLogging(
			configViper.GetBool("log.debug"),
			configViper.GetString("log.file"))
	},
}

func initConfig() {
	configViper.SetEnvPrefix("SENTRY")
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

func bindFlags(v *viper.Viper, root *cobra.Command, flags map[string]flag) error {
	for n, f := range flags {
		if err := v.BindPFlag(f.Key, root.PersistentFlags().Lookup(n)); err != nil {
			return err
		}
		v.SetDefault(f.Key, f.DefValue)
	}
	return nil
}

func setupLogging(debug bool, file string) error {
	cfg := logging.Config{
		Format: logging.ColorizedOutput,
		Level:  logging.LevelInfo,
		Stderr: true,
	}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), os.ModePerm); err != nil {
			return fmt.Errorf("creating log dir: %w", err)
		}
		cfg.Format = logging.PlaintextOutput
		cfg.Stderr = false
		cfg.File = file
	}
	logging.SetupLogging(cfg)
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
	}
	return nil
}

// paths resolves file locations, defaulting to names inside the data dir.
type paths struct {
	dataDir  string
	db       string
	settings string
}

func resolvePaths(v *viper.Viper) paths {
	p := paths{
		dataDir:  v.GetString("data_dir"),
		db:       v.GetString("db_path"),
		settings: v.GetString("settings_file"),
	}
	if p.dataDir == "" {
		p.dataDir = "."
	}
	if p.db == "" {
		p.db = filepath.Join(p.dataDir, "bitaxe_sentry.db")
	}
	if p.settings == "" {
		p.settings = filepath.Join(p.dataDir, "config.json")
	}
	return p
}
