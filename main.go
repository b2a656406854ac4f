package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"kbcoder/config"
	"kbcoder/logger"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvProcessConfig holds the JSON process config passed by the Lua plugin
const EnvProcessConfig = "KBCODER_CONFIG"

type Config struct {
	NsID                   int    `json:"ns_id"`
	DebugImmediateShutdown bool   `json:"debug_immediate_shutdown"`
	LogLevel               string `json:"log_level"` // trace, debug, info, warn, error
	// SettingsFile overrides the default config.toml location
	SettingsFile string `json:"settings_file"`
}

// Setup logger to log to a rotating file in the same directory as the executable.
// Caller must defer logger.Close()
func setupLogger(logLevel string) *logger.Logger {
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(execDir(), "kbcoder.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	l := logger.New(sink, logger.ParseLogLevel(logLevel))
	log.SetFlags(0)
	log.SetOutput(l)
	return l
}

func execDir() string {
	execPath, err := os.Executable()
	if err != nil {
		log.Fatalf("error getting executable path: %v", err)
	}
	return filepath.Dir(execPath)
}

func getSocketPath() string {
	return filepath.Join(execDir(), "kbcoder.sock")
}

func getPidPath() string {
	return filepath.Join(execDir(), "kbcoder.pid")
}

func isDaemonRunning() (bool, int) {
	data, err := os.ReadFile(getPidPath())
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	// On Unix, Signal(0) checks if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil, pid
}

// loadConfig reads the process config. An unset variable yields defaults.
func loadConfig() (Config, error) {
	cfg := Config{LogLevel: "info"}
	raw := os.Getenv(EnvProcessConfig)
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid %s: %w", EnvProcessConfig, err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func (c Config) settingsFile() string {
	if c.SettingsFile != "" {
		return c.SettingsFile
	}
	return config.ConfigPath()
}

var rootCmd = &cobra.Command{
	Use:   "kbcoder",
	Short: "Streaming LLM autocomplete for Neovim",
	Long: "kbcoder relays Neovim's RPC channel on stdin/stdout to a shared daemon,\n" +
		"starting the daemon first when it is not running.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		if err := client.EnsureDaemonRunning(); err != nil {
			return fmt.Errorf("ensure daemon running: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connect to daemon: %w", err)
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the socket daemon serving Neovim connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		l := setupLogger(cfg.LogLevel)
		defer l.Close()
		log.Printf("config: %+v", cfg)

		daemon := NewDaemon(cfg)
		if err := daemon.Start(); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd, completeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kbcoder: %v\n", err)
		os.Exit(1)
	}
}
