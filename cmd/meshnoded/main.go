package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meshnode/config"
	"meshnode/internal/buildinfo"
	"meshnode/internal/logging"
	"meshnode/internal/ui"
)

// flags are the persistent root flags. Set values override the config file.
type flags struct {
	configPath string
	dataDir    string
	stack      string
	socket     string
	debug      bool
	noColor    bool
}

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:           "meshnoded",
		Short:         "Bluetooth mesh OnOff node",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.ConfigureColor(f.noColor)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Config file (default "+config.Path()+")")
	pf.StringVar(&f.dataDir, "data-dir", "", "Directory for identity and registry")
	pf.StringVar(&f.stack, "stack", "", "Mesh stack: memory or bluez")
	pf.StringVar(&f.socket, "socket", "", "Control socket path")
	pf.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&f.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(runCmd(f, "server", "Run an OnOff server node"))
	cmd.AddCommand(runCmd(f, "provisioner", "Run the provisioner and admit devices in range"))
	cmd.AddCommand(statusCmd(f))
	cmd.AddCommand(nodesCmd(f))
	cmd.AddCommand(initCmd(f))
	return cmd
}

// load reads the config file and applies flag overrides. role is left as
// configured when empty.
func (f *flags) load(role string) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if role != "" {
		cfg.Role = role
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.stack != "" {
		cfg.Stack = f.stack
	}
	if f.socket != "" {
		cfg.Socket = f.socket
	}
	if f.debug {
		cfg.Log.Level = logging.LevelDebug
	}
	if err := cfg.Resolve(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
