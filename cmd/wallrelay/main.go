package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/log"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const (
	appName       = "wallrelay"
	configEnv     = "WALLRELAYCONFIG"
	configFileExt = ".yaml"
)

var (
	userConfigPath string // /default/config/path/wallrelay on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, appName)
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+appName+configFileExt+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRelay
	rootCmd.PersistentPostRunE = closeLog

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error(appName+" failed", "err", err)
		_ = closeLog(nil, nil)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          appName,
	Short:        "Runs the wallpaper downloader and relays its output to browsers",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a " + appName,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, appName+": version info not available")
			return
		}

		if configPath != "" {
			fmt.Fprintf(out, "config:    %s\n", configPath)
		}
		fmt.Fprintf(out, "wallrelay: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:     %s\n", s.Value)
			}
		}
		fmt.Fprintln(out)
	},
}

func initRelay(_ *cobra.Command, _ []string) error {
	var err error
	configPath, err = discoverConfig()
	if err != nil {
		return err
	}
	config, err = loadOrCreate(configPath)
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closer, err := log.Output(config.Service.Log)
	if err != nil {
		return fmt.Errorf("initializing service.log: %w", err)
	}
	logCloser = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug(appName+" run", "configPath", configPath)
	slog.Debug(appName+" run", "config", config)
	return nil
}

func closeLog(_ *cobra.Command, _ []string) error {
	if logCloser == nil {
		return nil
	}
	err := logCloser.Close()
	logCloser = nil
	return err
}

// discoverConfig returns the config file to use: the WALLRELAYCONFIG
// variable, then --config, then wallrelay.yaml in the user config dir or
// the current directory. If none exists the path in the user config dir is
// returned and the default configuration gets written there.
func discoverConfig() (string, error) {
	if envConfig, ok := os.LookupEnv(configEnv); ok && envConfig != "" {
		return envConfig, nil
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath, nil
	}
	for _, d := range []string{userConfigPath, "."} {
		path := filepath.Join(d, appName+configFileExt)
		if exists(path) {
			return path, nil
		}
	}
	return filepath.Join(userConfigPath, appName+configFileExt), nil
}

func loadOrCreate(path string) (model.Config, error) {
	if !exists(path) {
		if err := storeDefault(path); err != nil {
			return model.Config{}, err
		}
		return model.DefaultConfig(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func storeDefault(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
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
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig()); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
