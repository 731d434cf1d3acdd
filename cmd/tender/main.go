package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/service"
	"github.com/CZERTAINLY/Tender/internal/worker"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/tender on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "tender")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is tender.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initTender
	// workers get everything on stdin
	workerCmd.PersistentPreRunE = initWorker

	pairCmd.Flags().IntVar(&flagTicks, "timeout", 0, "seconds to wait for a server announcement, 0 waits forever")
	pairCmd.Flags().BoolVar(&flagHistory, "history", false, "print remembered pairings, newest first, and exit")
	broadcastCmd.Flags().DurationVar(&flagReplyTimeout, "reply-timeout", 0, "how long to collect replies, discovery.timeout by default")
	broadcastCmd.Flags().StringVar(&flagNode, "node", "", "MacID of the node to run --cmd on, node.id by default")
	broadcastCmd.Flags().StringVar(&flagPassword, "password", "", "password of --node, node.password by default")
	broadcastCmd.Flags().StringArrayVar(&flagCmd, "cmd", nil, "command argument to run on --node, repeat for each argument")
	stopCmd.Flags().DurationVar(&flagStopTimeout, "timeout", defaultStopTimeout, "how long to wait for the daemon to exit")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("tender failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tender",
	Short:        "Node agent running job scripts from a document store",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run supervises the node's jobs in the foreground",
	RunE:  doRun,
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a tender",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("tender: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("tender: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("tender",
		slog.String("cmd", "_worker"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	result := worker.ResultFile(os.Stdout)
	defer func() {
		_ = result.Close()
	}()
	return worker.Bootstrap(ctx, os.Stdin, result)
}

func initWorker(_ *cobra.Command, _ []string) error {
	env, err := service.ParseWorkerEnv()
	if err != nil {
		return fmt.Errorf("parsing worker environment: %w", err)
	}
	slog.SetDefault(log.New(os.Stderr, env.Verbose || flagVerbose).With("process", env.Name))
	return nil
}

func initTender(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("TENDERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "tender.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "tender.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
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
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = &flagVerbose
	}

	slog.SetDefault(log.New(os.Stderr, model.Get(config.Service.Verbose)))

	slog.Debug("tender run", "configPath", configPath)
	slog.Debug("tender run", "config", redacted(config))
	return nil
}

// redacted hides the node password from logs.
func redacted(cfg model.Config) model.Config {
	if cfg.Node.Password != "" {
		cfg.Node.Password = "***"
	}
	return cfg
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info != nil && info.Mode().IsRegular()
}
