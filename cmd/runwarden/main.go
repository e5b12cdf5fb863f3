package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/runwarden/runwarden/internal/log"
	"github.com/runwarden/runwarden/internal/model"
)

var (
	userConfigPath string // /default/config/path/runwarden on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	env            *viper.Viper
	logOutput      interface{ Close() error }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "runwarden")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is runwarden.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRunwarden
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logOutput != nil {
			_ = logOutput.Close()
		}
	}

	runCmd.Flags().StringVar(&flagScriptID, "script-id", "", "script id, generated when empty")
	runCmd.Flags().StringVar(&flagBrowser, "browser", "", "chromium, firefox or webkit")
	runCmd.Flags().BoolVar(&flagHeaded, "headed", false, "run the browser with a visible window")
	runCmd.Flags().IntVar(&flagTimeoutMs, "timeout-ms", 0, "per test timeout, config runner.timeout_ms when zero")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("runwarden failed", "err", err)
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "runwarden",
	Short:        "Supervises browser test runs and keeps their results",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP and websocket API",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "run executes a single script and prints its result",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a runwarden",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("runwarden: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("runwarden: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initRunwarden(cmd *cobra.Command, _ []string) error {
	env = model.NewViper()
	if envConfig := env.GetString("config"); envConfig != "" {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "runwarden.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "runwarden.yaml")
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	if _, err := model.ApplyEnv(&config, env); err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	out := log.Output(config.Service.Log)
	logOutput = out
	slog.SetDefault(log.New(out, config.Service.Verbose))

	slog.Debug("runwarden run", "configPath", configPath)
	slog.Debug("runwarden run", "config", config)
	return nil
}

func writeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// exitError sets the exit code of the process.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func withCmdAttrs(ctx context.Context, name string) context.Context {
	return log.ContextAttrs(ctx, slog.Group("runwarden",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))
}
