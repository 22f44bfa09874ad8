// Package svc runs filevault as a system service (systemd, launchd or the
// Windows Service Control Manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// DefaultName is the service name used when none is given.
const DefaultName = "filevault"

// RunFunc runs the server until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start must not block; the server runs in its own goroutine.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the server and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes an installed service.
type Config struct {
	Name       string
	ConfigPath string
	UserName   string // Linux/macOS only
}

// DefaultConfigPath returns the platform's usual config file location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "filevault", "filevault.yaml")
	}
	return "/etc/filevault/filevault.yaml"
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.ConfigPath == "" {
		out.ConfigPath = DefaultConfigPath()
	}
	return &out
}

// serviceConfig translates c for kardianos/service. The service manager
// starts "filevault --service-run serve --config <path>".
func serviceConfig(c *Config) *service.Config {
	sc := &service.Config{
		Name:        c.Name,
		DisplayName: "filevault",
		Description: "Multi-tenant file vault with resumable uploads and share links",
		Arguments:   []string{RunFlag, "serve", "--config", c.ConfigPath},
	}
	switch runtime.GOOS {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5"}
		sc.UserName = c.UserName
	case "darwin":
		sc.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		sc.UserName = c.UserName
	case "windows":
		sc.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return sc
}

func open(prg *Program, c *Config) (service.Service, error) {
	s, err := service.New(prg, serviceConfig(c))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(c *Config, force bool) error {
	c = c.withDefaults()
	s, err := open(&Program{ConfigPath: c.ConfigPath}, c)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", c.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(c *Config) error {
	c = c.withDefaults()
	s, err := open(&Program{ConfigPath: c.ConfigPath}, c)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends one of "start", "stop" or "restart" to the service.
func Control(c *Config, action string) error {
	c = c.withDefaults()
	s, err := open(&Program{ConfigPath: c.ConfigPath}, c)
	if err != nil {
		return err
	}
	if !slices.Contains(service.ControlAction[:], action) || action == "install" || action == "uninstall" {
		return fmt.Errorf("unsupported service action %q", action)
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns a human-readable service state.
func Status(c *Config) (string, error) {
	c = c.withDefaults()
	s, err := open(&Program{ConfigPath: c.ConfigPath}, c)
	if err != nil {
		return "unknown", err
	}
	status, err := s.Status()
	if err != nil {
		return "not installed", err
	}
	return StatusString(status), nil
}

// StatusString names a service.Status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager. It returns when the service
// is stopped.
func Run(c *Config, run RunFunc) error {
	c = c.withDefaults()
	s, err := open(&Program{ConfigPath: c.ConfigPath, Run: run}, c)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceRun reports whether args contain RunFlag.
func IsServiceRun(args []string) bool {
	return slices.Contains(args, RunFlag)
}
