// Command dc-authority-worker consumes jobs from the stream broker:
// AD machine-account repair (single job, subprocess + retry) and host
// provisioning (debounce-collect batches, delta/merge against the
// master inventory, one import-devices invocation per batch, per-host
// verification).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/linuxmuster-net/dc-authority/internal/config"
	"github.com/linuxmuster-net/dc-authority/internal/jobs"
	"github.com/linuxmuster-net/dc-authority/internal/jobstream"
	"github.com/linuxmuster-net/dc-authority/internal/logging"
	"github.com/linuxmuster-net/dc-authority/internal/macct"
	"github.com/linuxmuster-net/dc-authority/internal/opsapi"
	"github.com/linuxmuster-net/dc-authority/internal/provision"
)

func main() {
	configPath := flag.String("config", "", "path to the dc-authority config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dc-authority-worker: load config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  logging.LevelInfo,
		Output: os.Stderr,
	})

	ops := opsapi.New(cfg.OpsAPIBaseURL, cfg.OpsAPIKey)

	consumer := jobstream.New(jobstream.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort),
		Password: cfg.BrokerPassword,
		DB:       cfg.BrokerDB,
		Consumer: cfg.ConsumerName,
	}, logger.WithComponent("jobstream"))
	defer consumer.Close()

	batcher := provision.New(provision.Config{
		LockPath:    cfg.LockFilePath,
		DeltaPath:   cfg.DeltaInventoryPath,
		MasterPath:  cfg.MasterInventoryPath,
		ImportBin:   cfg.ImportScriptPath,
		DebounceSec: cfg.ProvisionDebounceS,
		BatchSize:   cfg.ProvisionBatchSize,
		Verify: provision.VerifyConfig{
			SambaToolBin:      cfg.SambaToolBin,
			HostCmdBin:        cfg.HostCmdBin,
			SambaToolAuthArgs: cfg.SambaToolAuthArgs,
			DHCPVerifyPath:    cfg.DHCPVerifyFilePath,
			Domain:            cfg.Domain,
			ReverseDNSOctets:  cfg.ReverseDNSOctets,
		},
	}, consumer, ops, logger.WithComponent("provision"))

	macctHandler := macct.New(macct.Config{
		ScriptPath: cfg.RepairScriptPath,
		LogDir:     cfg.LogDir,
		MaxRetries: cfg.MaxRetries,
	}, ops, logger.WithComponent("macct"))

	consumer.SetHandler(func(ctx context.Context, msg jobstream.Message) bool {
		switch msg.Job.Type {
		case jobs.TypeMacctRepair:
			return macctHandler.Handle(ctx, msg.Job.OperationID, msg.Job.Attempt)
		case jobs.TypeProvisionHost:
			batcher.Handle(ctx, msg)
			return false
		default:
			logger.Warn("unknown job type, acking", "type", msg.Job.Type)
			return true
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("dc-authority-worker starting", "consumer", cfg.ConsumerName, "broker", cfg.BrokerHost)
	if err := consumer.EnsureGroup(ctx); err != nil {
		logger.Error("failed to connect to job stream broker", "err", err)
		os.Exit(1)
	}

	if err := consumer.Run(ctx); err != nil {
		logger.Error("worker loop exited with error", "err", err)
		os.Exit(1)
	}

	logger.Info("dc-authority-worker shut down cleanly")
}
