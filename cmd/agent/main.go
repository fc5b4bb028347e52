package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Agent/internal/agent"
	"github.com/CZERTAINLY/Agent/internal/log"
	"github.com/CZERTAINLY/Agent/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/czertainly-agent on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagPayload        string // value of exec --payload
	flagInstanceID     string // value of exec --instance-id
	flagQueue          string // value of run --queue
	flagPollInterval   time.Duration
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "czertainly-agent")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is agent.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	execCmd.Flags().StringVar(&flagPayload, "payload", "", "payload directory of the job")
	execCmd.Flags().StringVar(&flagInstanceID, "instance-id", "", "instance id of the job, random if empty")
	_ = execCmd.MarkFlagRequired("payload")

	runCmd.Flags().StringVar(&flagQueue, "queue", "", "directory with the queued payloads")
	runCmd.Flags().DurationVar(&flagPollInterval, "poll", agent.DefaultPollInterval, "queue poll interval")
	_ = runCmd.MarkFlagRequired("queue")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initAgent
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	}

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("agent failed", "err", err)
		var execErr *model.ExecutionError
		if errors.As(err, &execErr) && execErr.ExitCode > 0 {
			os.Exit(execErr.ExitCode)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "agent",
	Short:        "Agent executing the flow runtime jobs",
	SilenceUsage: true,
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "exec runs a single payload and waits for its process",
	RunE:  doExec,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes the payloads dropped into a queue directory",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an agent",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("agent: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("agent:  %s\n", info.Main.Version)
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

func doExec(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := uuid.New()
	if flagInstanceID != "" {
		var err error
		id, err = uuid.Parse(flagInstanceID)
		if err != nil {
			return fmt.Errorf("parsing --instance-id: %w", err)
		}
	}
	ctx = log.ContextAttrs(ctx, slog.Group("agent",
		slog.String("cmd", "exec"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := agent.New(ctx, config, agent.Options{})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}

	inst, err := a.Exec(ctx, id, flagPayload)
	if err != nil {
		return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}

	select {
	case <-ctx.Done():
		inst.Cancel(context.WithoutCancel(ctx))
	case <-inst.Done():
	}
	<-inst.Done()
	return errors.Join(inst.Err(), a.Close(context.WithoutCancel(ctx)))
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx, slog.Group("agent",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := agent.New(ctx, config, agent.Options{})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}

	err = agent.NewQueue(a, flagQueue, flagPollInterval).Run(ctx)
	return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
}

func initAgent(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("AGENTCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "agent.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "agent.yaml")
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
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Agent.Verbose = true
	}

	logger, closer, err := log.New(log.Options{
		Output:  config.Agent.Log,
		Verbose: config.Agent.Verbose,
	})
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(logger)

	slog.Debug("agent run", "configPath", configPath)
	slog.Debug("agent run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
