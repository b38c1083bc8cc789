package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.lazarusboot.dev/lzcore/pkg/bootmode"
	"go.lazarusboot.dev/lzcore/pkg/bootparams"
	"go.lazarusboot.dev/lzcore/pkg/config"
	"go.lazarusboot.dev/lzcore/pkg/datastore"
	"go.lazarusboot.dev/lzcore/pkg/flashmem"
	"go.lazarusboot.dev/lzcore/pkg/log"
	"go.lazarusboot.dev/lzcore/pkg/version"
	"go.lazarusboot.dev/lzcore/pkg/watchdog"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogLevel = zapcore.InfoLevel

// regionNames fixes the open order of the flash regions.
var regionNames = []string{
	"bootparams", "certstore", "datastore", "staging",
	"core", "cpatcher", "udownloader", "app",
}

// defaultConfig is the built-in flash-region layout, relative to the
// --state-dir. On real hardware these are fixed physical addresses set
// by a linker script; here each one is a plain file so the whole boot
// decision can be driven and inspected from the shell. A --config file
// overrides individual entries.
func defaultConfig() *config.Lzcore {
	return &config.Lzcore{
		Regions: map[string]config.Region{
			"bootparams":  {Path: "bootparams.bin", Size: bootparams.WireSize + 256},
			"certstore":   {Path: "certstore.bin", Size: 8192},
			"datastore":   {Path: "datastore.bin", Size: datastore.Size},
			"staging":     {Path: "staging.bin", Size: 64 * 1024},
			"core":        {Path: "core.bin", Size: 256 * 1024},
			"cpatcher":    {Path: "cpatcher.bin", Size: 256 * 1024},
			"udownloader": {Path: "udownloader.bin", Size: 256 * 1024},
			"app":         {Path: "app.bin", Size: 256 * 1024},
		},
	}
}

func main() {
	app := &cli.App{
		Name:                 "lzcore",
		Usage:                "runs one trusted-boot decision against a directory of flash-region files",
		UsageText:            "lzcore [--state-dir DIR]",
		Description:          "A demo harness for the lzcore boot mode selector: opens the flash regions under --state-dir, runs exactly one boot decision, and prints the chosen mode.",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:  "state-dir",
				Usage: "directory holding the flash-region backing files",
				Value: "./lzcore-state",
			},
			&cli.GenericFlag{
				Name:  "log-level",
				Usage: "minimum log level to log at",
				Value: &defaultLogLevel,
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format to use: json or console",
				Value: "console",
			},
			&cli.BoolFlag{
				Name:  "log-development",
				Usage: "enables development log settings",
				Value: false,
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "emit diagnostic trace output (never changes the boot decision)",
				Value: true,
			},
			&cli.PathFlag{
				Name:  "config",
				Usage: "optional configuration file to load which can override the built-in region layout and watchdog deferral",
			},
		},
		Action: runLzcore,
	}

	if err := app.Run(os.Args); err != nil {
		if errors.Is(err, bootmode.ErrFatal) {
			log.L().Fatal("fatal boot failure", zap.Error(err))
		}
		if errors.Is(err, bootmode.ErrUnprovisioned) {
			fmt.Fprintln(os.Stderr, "device not provisioned: blocking forever")
			select {}
		}
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", err)
		os.Exit(1)
	}
}

func runLzcore(ctx *cli.Context) error {
	// read optional configuration file first
	configPath := ctx.Path("config")
	var override *config.Lzcore
	if configPath != "" {
		var err error
		override, err = config.ReadFromFile(configPath)
		if err != nil {
			return err
		}
	}
	cfgFile := config.MergeConfigs(defaultConfig(), override)

	logSettings := log.Settings{
		Development: ctx.Bool("log-development"),
		Level:       *ctx.Generic("log-level").(*zapcore.Level),
		Format:      ctx.String("log-format"),
		Trace:       ctx.Bool("trace"),
	}
	if err := log.Init(logSettings); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.L().Sync() //nolint:errcheck

	stateDir := ctx.Path("state-dir")
	if cfgFile.StateDir != "" {
		stateDir = cfgFile.StateDir
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	regions, err := openRegions(stateDir, cfgFile)
	if err != nil {
		return err
	}
	defer closeRegions(regions)
	log.L().Debug("opened flash regions", zap.Int("host_page_size", regions["datastore"].HostPageSize()))

	cfg := &bootmode.Config{
		BootParamsWindow: regions["bootparams"],
		CertStoreWindow:  regions["certstore"],
		DataStore:        datastore.Open(regions["datastore"]),
		Staging:          regions["staging"],
		Images: bootmode.Images{
			Core:             regions["core"],
			CorePatcher:      regions["cpatcher"],
			UpdateDownloader: regions["udownloader"],
			App:              regions["app"],
		},
		Watchdog:               &watchdog.Recorder{},
		DefaultDeferralSeconds: cfgFile.WatchdogDeferralSeconds,
	}

	if params, paramsErr := bootparams.Read(regions["bootparams"]); paramsErr == nil {
		if devUUID, uuidErr := params.DeviceUUID(); uuidErr == nil {
			fmt.Printf("device: %s\n", devUUID)
		}
	}

	mode, err := bootmode.Run(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("boot mode: %s\n", mode)
	return nil
}

func openRegions(stateDir string, cfg *config.Lzcore) (map[string]*flashmem.Region, error) {
	regions := make(map[string]*flashmem.Region, len(regionNames))
	for _, name := range regionNames {
		r := cfg.Regions[name]
		path := r.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(stateDir, path)
		}
		region, err := flashmem.OpenRegion(name, path, r.Size)
		if err != nil {
			closeRegions(regions)
			return nil, fmt.Errorf("opening %s region: %w", name, err)
		}
		regions[name] = region
	}
	return regions, nil
}

func closeRegions(regions map[string]*flashmem.Region) {
	for _, r := range regions {
		r.Close() //nolint:errcheck
	}
}
