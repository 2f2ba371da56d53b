package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/volumania/volumania/internal/healthcheck"
)

func healthcheckCmd() *cobra.Command {
	hc := &cobra.Command{
		Short:        "Start the disk usage sidecar",
		Use:          "healthcheck",
		RunE:         startHealthCheckServer,
		SilenceUsage: true,
	}

	hc.Flags().String("pvcs", "", "'pvc names delimited by comma'")
	hc.Flags().String("addr", fmt.Sprintf(":%d", healthcheck.Port), "listen address for server to bind")
	hc.Flags().String("mount", healthcheck.Mount, "directory the pvcs are mounted under")

	if err := viper.BindPFlags(hc.Flags()); err != nil {
		panic(err)
	}

	return hc
}

func startHealthCheckServer(cmd *cobra.Command, args []string) error {
	var (
		listenAddr = viper.GetString("addr")

		zlog   = zapLogger("info", viper.GetString("log-format"))
		logger = zapr.NewLogger(zlog)
	)
	defer func() { _ = zlog.Sync() }()

	var (
		pvcs = healthcheck.ParsePVCs(viper.GetString("pvcs"))
		disk = healthcheck.DiskUsage(pvcs, viper.GetString("mount"), healthcheck.Statfs)
	)

	mux := http.NewServeMux()
	mux.Handle(healthcheck.DiskPath, disk)

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var eg errgroup.Group
	eg.Go(func() error {
		logger.Info("Disk usage sidecar listening", "addr", listenAddr, "pvcs", pvcs)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-cmd.Context().Done()
		logger.Info("Disk usage sidecar shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	return eg.Wait()
}
