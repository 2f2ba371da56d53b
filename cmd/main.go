/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	// Add Pprof endpoints.
	"net/http"
	_ "net/http/pprof"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/open-policy-agent/cert-controller/pkg/rotator"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	volumaniav1 "github.com/volumania/volumania/api/v1"
	"github.com/volumania/volumania/internal/api"
	"github.com/volumania/volumania/internal/autoscaler"
	"github.com/volumania/volumania/internal/controller"
	"github.com/volumania/volumania/internal/controllers"
	"github.com/volumania/volumania/internal/healthcheck"
	"github.com/volumania/volumania/internal/metrics"
	"github.com/volumania/volumania/internal/pvc"
	"github.com/volumania/volumania/internal/store"
	"github.com/volumania/volumania/internal/version"
	//+kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(volumaniav1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

func main() {
	root := rootCmd()

	ctx := ctrl.SetupSignalHandler()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Short:        "Run the PVC autoscaler",
		Use:          "volumania",
		Version:      version.AppVersion(),
		RunE:         startManager,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("log-level", "info", "Logging level one of 'error', 'info', 'debug'")
	root.PersistentFlags().String("log-format", "console", "Logging format one of 'console' or 'json'")
	addManagerFlags(root.Flags())

	if err := bindViper(viper.GetViper(), root.PersistentFlags()); err != nil {
		panic(err)
	}
	if err := bindViper(viper.GetViper(), root.Flags()); err != nil {
		panic(err)
	}

	// Add subcommands here
	root.AddCommand(healthcheckCmd())
	root.AddCommand(policiesCmd())
	root.AddCommand(&cobra.Command{
		Short: "Print the version",
		Use:   "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("App Version:", version.AppVersion())
			fmt.Println("Docker Tag:", version.DockerTag())
		},
	})

	return root
}

func startManager(cmd *cobra.Command, args []string) error {
	cfg, err := loadManagerConfig(viper.GetViper())
	if err != nil {
		return err
	}

	go func() {
		setupLog.Info("Serving pprof endpoints at localhost:6060/debug/pprof")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			setupLog.Error(err, "Pprof server exited with error")
		}
	}()

	logger := zapLogger(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()
	ctrl.SetLogger(zapr.NewLogger(logger))

	if cfg.Profile != "" {
		defer profile.Start(profileOpts(cfg.Profile)...).Stop()
	}

	opts := ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		WebhookServer:          webhook.NewServer(webhook.Options{Port: cfg.WebhookPort, CertDir: cfg.CertDir}),
		HealthProbeBindAddress: cfg.ProbeAddr,
		LeaderElection:         cfg.LeaderElection,
		LeaderElectionID:       "a3f1c2d4.volumania.io",
	}
	if cfg.Namespace != "" {
		opts.Cache = cache.Options{DefaultNamespaces: map[string]cache.Config{cfg.Namespace: {}}}
	}
	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), opts)
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	ctx := cmd.Context()

	if err := pvc.IndexClaimNames(ctx, mgr.GetFieldIndexer()); err != nil {
		setupLog.Error(err, "unable to index pod claim names")
		return err
	}

	records, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		setupLog.Error(err, "unable to open policy store", "store", cfg.Store)
		return err
	}
	defer closeStore()

	recorder := metrics.New()
	if err := recorder.Register(ctrlmetrics.Registry); err != nil {
		setupLog.Error(err, "unable to register metrics")
		return err
	}

	engine := autoscaler.NewEngine(
		records,
		pvc.NewCluster(mgr.GetClient(), mgr.GetEventRecorderFor("volumania-autoscaler"), ctrl.Log.WithName("cluster"), cfg.Namespace),
		pvc.NewSidecarSampler(healthcheck.NewClient(&http.Client{}), mgr.GetClient()),
		autoscaler.WithLogger(ctrl.Log.WithName("autoscaler")),
		autoscaler.WithRecorder(recorder),
		autoscaler.WithCallTimeout(cfg.CallTimeout),
	)
	if err := mgr.Add(engine); err != nil {
		setupLog.Error(err, "unable to add autoscaler engine")
		return err
	}

	if err = controllers.NewPVCAutoScaler(
		mgr.GetClient(),
		mgr.GetEventRecorderFor("pvcautoscaler-controller"),
		engine,
	).SetupWithManager(ctx, mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "PVCAutoScaler")
		return err
	}

	setupFinished := make(chan struct{})
	if cfg.CertRotation {
		setupLog.Info("Setting up webhook certificate rotation")
		if err := rotator.AddRotator(mgr, &rotator.CertRotator{
			SecretKey:      types.NamespacedName{Namespace: cfg.PodNamespace, Name: cfg.WebhookSecret},
			CertDir:        cfg.CertDir,
			CAName:         "volumania-ca",
			CAOrganization: "volumania",
			DNSName:        fmt.Sprintf("%s.%s.svc", cfg.WebhookService, cfg.PodNamespace),
			IsReady:        setupFinished,
			Webhooks:       []rotator.WebhookInfo{{Name: cfg.WebhookConfig, Type: rotator.Mutating}},
		}); err != nil {
			setupLog.Error(err, "unable to set up cert rotation")
			return err
		}
	} else {
		close(setupFinished)
	}
	go registerWebhooks(mgr, setupFinished, cfg.SidecarImage)

	apiServer := api.NewServer(engine, ctrl.Log.WithName("api"))
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		return serveAPI(ctx, cfg.APIAddr, apiServer.Handler(), ctrl.Log.WithName("api"))
	})); err != nil {
		setupLog.Error(err, "unable to add api server")
		return err
	}

	//+kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting volumania manager", "version", version.AppVersion(), "store", cfg.Store)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}

	return nil
}

// registerWebhooks waits for the serving certificate before registering handlers.
func registerWebhooks(mgr ctrl.Manager, ready <-chan struct{}, sidecarImage string) {
	<-ready
	decoder := admission.NewDecoder(mgr.GetScheme())
	mgr.GetWebhookServer().Register(controller.WebhookPath, &webhook.Admission{
		Handler: controller.NewPodInterceptorWebhook(
			mgr.GetClient(),
			decoder,
			mgr.GetEventRecorderFor("pod-sidecar-injector"),
			sidecarImage,
		),
	})
	setupLog.Info("Registered pod webhook", "path", controller.WebhookPath)
}

func openStore(ctx context.Context, cfg managerConfig) (autoscaler.Store, func(), error) {
	nop := func() {}
	switch cfg.Store {
	case storeFile:
		st, err := store.OpenFile(cfg.StorePath)
		return st, nop, err
	case storePostgres:
		st, err := store.OpenPostgres(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, nop, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				setupLog.Error(err, "Failed to close policy store")
			}
		}, nil
	default:
		return store.NewMemory(), nop, nil
	}
}

func serveAPI(ctx context.Context, addr string, handler http.Handler, logger logr.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	var eg errgroup.Group
	eg.Go(func() error {
		logger.Info("API server listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func profileOpts(mode string) []func(*profile.Profile) {
	opts := []func(*profile.Profile){profile.ProfilePath("."), profile.NoShutdownHook}
	switch mode {
	case "cpu":
		return append(opts, profile.CPUProfile)
	case "mem":
		return append(opts, profile.MemProfile)
	default:
		panic(fmt.Errorf("unknown profile mode %q", mode))
	}
}
