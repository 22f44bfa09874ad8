package main

import (
	"fmt"
	"os"

	"github.com/filevault/filevault/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the filevault system service",
		Long: `Install, control, and inspect filevault as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo filevault service install --config /etc/filevault/filevault.yaml
  sudo filevault service start
  sudo filevault service status
  sudo filevault service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install filevault as a service that starts at boot",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the filevault service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			c := serviceConfig()
			if err := svc.Uninstall(c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", c.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the filevault service", capitalize(action)),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				c := serviceConfig()
				log.Info().Str("name", c.Name).Str("action", action).Msg("controlling service")
				if err := svc.Control(c, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", c.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := serviceConfig()
			status, err := svc.Status(c)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service: %s\n", c.Name)
			fmt.Fprintf(out, "Status:  %s\n", status)
			if err != nil {
				fmt.Fprintf(out, "Error:   %v\n", err)
			}
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{ServiceName: serviceName, Follow: logsFollow, Lines: logsLines})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.Config {
	return &svc.Config{Name: serviceName, ConfigPath: cfgFile, UserName: serviceUser}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	c := serviceConfig()
	if c.ConfigPath == "" {
		c.ConfigPath = svc.DefaultConfigPath()
	}
	if _, err := os.Stat(c.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate it first or pass --config", c.ConfigPath)
	}

	log.Info().Str("name", c.Name).Str("config", c.ConfigPath).Msg("installing service")
	if err := svc.Install(c, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed.\n", c.Name)
	fmt.Fprintf(out, "\nTo start it:\n  filevault service start --name %s\n", c.Name)
	fmt.Fprintf(out, "\nTo view logs:\n  filevault service logs --name %s\n", c.Name)
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
