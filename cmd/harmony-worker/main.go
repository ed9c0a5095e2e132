// -----------------------------------------------------------------------
// harmony-worker - the per-container work loop: claim, invoke, report
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/services/objectstore"
	"github.com/eosdis/harmony/internal/worker"
)

var (
	configFile     = flag.String("config", "", "Configuration file path")
	serviceID      = flag.String("service", "", "Service image id to pull work for (overrides config)")
	podName        = flag.String("pod", "", "Pod name reported on claims (overrides config)")
	serviceCommand = flag.String("command", "", "Service entrypoint to invoke, with arguments")
	showVersion    = flag.Bool("version", false, "Print version information")
)

func main() {
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion {
		fmt.Printf("harmony-worker version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	var paths []string
	if *configFile != "" {
		paths = append(paths, *configFile)
	}
	config, err := common.LoadFromFiles(nil, paths...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	if *serviceID != "" {
		config.Worker.ServiceID = *serviceID
	}
	if *podName != "" {
		config.Worker.PodName = *podName
	}
	if config.Worker.PodName == "" {
		config.Worker.PodName, _ = os.Hostname()
	}

	logger := common.InitLogger(config)
	logger.Info().
		Str("version", common.GetFullVersion()).
		Str("serviceID", config.Worker.ServiceID).
		Str("podName", config.Worker.PodName).
		Str("coordinator", config.Worker.CoordinatorURL).
		Msg("Starting harmony worker")

	if config.Worker.ServiceID == "" {
		logger.Fatal().Msg("A service id is required (-service or worker.service_id)")
	}
	if *serviceCommand == "" {
		logger.Fatal().Msg("A service entrypoint is required (-command)")
	}

	objects, err := objectstore.NewLocalStore(logger, &config.ObjectStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open object store")
	}
	defer objects.Close()

	parts := strings.Fields(*serviceCommand)
	invoker := worker.NewExecInvoker(parts[0], parts[1:], logger)

	client := worker.NewCoordinatorClient(
		config.Worker.CoordinatorURL,
		config.Worker.ServiceID,
		config.Worker.PodName,
		config.Worker.MaxCompletionRetries,
		logger)

	w, err := worker.NewWorker(&config.Worker, client, invoker, objects, config.ObjectStore.Bucket, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid worker configuration")
	}

	// SIGTERM cancels the loop. Graceful drains go through the termination
	// file instead, which lets an in-flight invocation finish and report.
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Interrupt signal received; finishing current work")
		cancel()
	}()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("Worker loop exited with error")
	}

	logger.Info().Msg("Worker stopped")
}
