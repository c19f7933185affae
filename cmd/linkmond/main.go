// Command linkmond is the console-link liveness monitor of spec.md: it runs
// as either the DCE Supervisor (one process per management host, proxying
// every configured console port and tracking liveness) or the DTE Sender
// (one process per managed device, emitting heartbeat frames), selected by
// its first argument.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/consolelink/linkmond/pkg/config"
	"github.com/consolelink/linkmond/pkg/dte"
	"github.com/consolelink/linkmond/pkg/liveness"
	"github.com/consolelink/linkmond/pkg/store"
	"github.com/consolelink/linkmond/pkg/supervisor"
)

// Exit codes, spec.md §6.
const (
	exitOK              = 0
	exitMisconfigured   = 2
	exitFatalStartupIO  = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: linkmond <dce|dte> [flags]")
		os.Exit(exitMisconfigured)
	}

	mode := os.Args[1]
	args := os.Args[2:]

	switch mode {
	case "dce":
		os.Exit(runDCE(args))
	case "dte":
		os.Exit(runDTE(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q; expected dce or dte\n", mode)
		os.Exit(exitMisconfigured)
	}
}

func runDCE(args []string) int {
	fs := pflag.NewFlagSet("dce", pflag.ContinueOnError)
	dbConfigPath := fs.String("db-config", store.DefaultDBConfigPath, "path to database_config.json")
	udevPrefixPath := fs.String("udev-prefix-file", "/etc/linkmond/udevprefix.conf", "path to the PTY symlink prefix file")
	if err := fs.Parse(args); err != nil {
		return exitMisconfigured
	}

	logger := log.WithPrefix("linkmond-dce")

	prefix, err := config.ReadUdevPrefix(*udevPrefixPath)
	if err != nil {
		logger.Error("failed to read udev prefix", "err", err)
		return exitMisconfigured
	}

	dbConfig, err := store.LoadDBConfig(*dbConfigPath)
	if err != nil {
		logger.Error("failed to load database config", "err", err)
		return exitMisconfigured
	}

	params, err := dbConfig.Resolve("CONFIG_DB")
	if err != nil {
		logger.Error("failed to resolve CONFIG_DB", "err", err)
		return exitMisconfigured
	}
	cfgClient, err := store.Dial(params)
	if err != nil {
		logger.Error("failed to connect to config store", "err", err)
		return exitMisconfigured
	}
	defer cfgClient.Close()

	stateParams, err := dbConfig.Resolve("STATE_DB")
	if err != nil {
		logger.Error("failed to resolve STATE_DB", "err", err)
		return exitMisconfigured
	}
	stateClient, err := store.Dial(stateParams)
	if err != nil {
		logger.Error("failed to connect to state store", "err", err)
		return exitMisconfigured
	}
	defer stateClient.Close()

	enabled, err := supervisor.IsEnabled(cfgClient)
	if err != nil {
		logger.Error("failed to read console_mgmt.enabled", "err", err)
		return exitMisconfigured
	}
	if !enabled {
		logger.Info("console_mgmt disabled, exiting")
		return exitOK
	}

	tracker := liveness.NewTracker(stateClient)
	tracker.Start()
	defer tracker.Stop()

	sup := supervisor.New(cfgClient, tracker, prefix, supervisor.NewLinkProxyFactory(tracker))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGHUP)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		sup.Stop()
	}()

	sup.Run()
	logger.Info("shutdown complete")
	return exitOK
}

func runDTE(args []string) int {
	fs := pflag.NewFlagSet("dte", pflag.ContinueOnError)
	device := fs.String("device", "", "UART device path (overrides /proc/cmdline console= detection)")
	baud := fs.Int("baud", 0, "UART baud rate (overrides /proc/cmdline console= detection)")
	cmdlinePath := fs.String("cmdline-file", "/proc/cmdline", "path to a /proc/cmdline-style file")
	dbConfigPath := fs.String("db-config", store.DefaultDBConfigPath, "path to database_config.json")
	if err := fs.Parse(args); err != nil {
		return exitMisconfigured
	}

	logger := log.WithPrefix("linkmond-dte")

	devicePath := *device
	baudRate := *baud
	if devicePath == "" {
		arg, err := config.ReadCmdlineFile(*cmdlinePath)
		if err != nil {
			logger.Error("failed to determine uart device", "err", err)
			return exitMisconfigured
		}
		devicePath = arg.Device
		if baudRate == 0 {
			baudRate = arg.BaudRate
		}
	}
	if baudRate == 0 {
		baudRate = config.DefaultBaudRate
	}

	dbConfig, err := store.LoadDBConfig(*dbConfigPath)
	if err != nil {
		logger.Error("failed to load database config", "err", err)
		return exitMisconfigured
	}
	params, err := dbConfig.Resolve("CONFIG_DB")
	if err != nil {
		logger.Error("failed to resolve CONFIG_DB", "err", err)
		return exitMisconfigured
	}
	cfgClient, err := store.Dial(params)
	if err != nil {
		logger.Error("failed to connect to config store", "err", err)
		return exitMisconfigured
	}
	defer cfgClient.Close()

	enabledFn := func() (bool, error) {
		key := cfgClient.Key("CONSOLE_SWITCH", "controlled_device")
		val, ok, err := cfgClient.GetField(key, "enabled")
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		return config.ParseEnabled(val), nil
	}

	sender := dte.NewWithUART(devicePath, baudRate, enabledFn)

	rawChanges, unsubscribe := cfgClient.SubscribeKeyspace("CONSOLE_SWITCH|controlled_device")
	defer unsubscribe()
	wake := make(chan struct{}, 1)
	go func() {
		for range rawChanges {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	sender.WatchChanges(wake)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGHUP)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		sender.Stop()
	}()

	logger.Info("starting dte sender", "device", devicePath, "baud", baudRate)
	sender.Run()
	logger.Info("shutdown complete")
	return exitOK
}
