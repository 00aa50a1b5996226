package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"meshnode"
	"meshnode/config"
	"meshnode/internal/ui"
	"meshnode/sdk"
)

const queryTimeout = 5 * time.Second

func statusCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running node's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := f.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
			defer cancel()
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}

			pairs := []ui.Pair{
				ui.KV("Name", st.Name),
				ui.KV("Role", st.Role.String()),
				ui.KV("Phase", ui.Phase(st.Phase)),
				ui.KV("UUID", st.UUID.String()),
				ui.KV("Address", st.Address.String()),
				ui.KV("Light", ui.OnOff(st.OnOff == meshnode.On)),
			}
			if st.Role == meshnode.RoleProvisioner {
				a := st.Admission
				pairs = append(pairs, ui.KV("Admission", fmt.Sprintf("%d admitted, %d failed, %d pending, %d in flight",
					a.Admitted, a.Failed, a.Pending, a.InFlight)))
			}
			pairs = append(pairs, ui.KV("Version", st.Version))
			fmt.Print(ui.KeyValues("  ", pairs...))
			return nil
		},
	}
}

func nodesCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List devices admitted by the provisioner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := f.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
			defer cancel()
			nodes, err := client.Nodes(ctx)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println("No nodes admitted yet.")
				return nil
			}

			rows := make([][]string, 0, len(nodes))
			for _, n := range nodes {
				rows = append(rows, []string{
					ui.Accent(n.Unicast.String()),
					n.UUID.String(),
					strconv.Itoa(int(n.Elements)),
					n.AdmittedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Println(ui.Table([]string{"ADDRESS", "UUID", "ELEMENTS", "ADMITTED"}, rows))
			return nil
		},
	}
}

func initCmd(f *flags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file with fresh keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := f.configPath
			if path == "" {
				path = config.Path()
			}
			if fileExists(path) && !force {
				return fmt.Errorf("config %s already exists, use --force to overwrite", path)
			}

			cfg := config.Default()
			net, err := meshnode.GenerateKey()
			if err != nil {
				return err
			}
			app, err := meshnode.GenerateKey()
			if err != nil {
				return err
			}
			cfg.Keys.NetKey, cfg.Keys.AppKey = net, app
			if f.stack != "" {
				cfg.Stack = f.stack
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Println("Wrote " + ui.Accent(path))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

// dial connects to the control socket named by --socket, MESHNODE_SOCKET or
// the config, in that order.
func (f *flags) dial() (*sdk.Client, error) {
	socket := f.socket
	if socket == "" {
		socket = sdk.SocketFromEnv()
	}
	if socket == "" {
		cfg, err := f.load("")
		if err != nil {
			return nil, err
		}
		socket = cfg.Socket
	}
	return sdk.Dial(socket)
}
