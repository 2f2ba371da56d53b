package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/volumania/volumania/internal/autoscaler"
)

const envPrefix = "VOLUMANIA"

// Store backends.
const (
	storeMemory   = "memory"
	storeFile     = "file"
	storePostgres = "postgres"
)

// managerConfig holds the settings of the manager command.
type managerConfig struct {
	MetricsAddr    string
	ProbeAddr      string
	APIAddr        string
	LeaderElection bool
	Namespace      string

	Store     string
	StorePath string
	StoreDSN  string

	CallTimeout  time.Duration
	SidecarImage string

	CertRotation   bool
	CertDir        string
	WebhookPort    int
	WebhookService string
	WebhookSecret  string
	WebhookConfig  string
	PodNamespace   string

	Profile   string
	LogLevel  string
	LogFormat string
}

func addManagerFlags(flags *pflag.FlagSet) {
	flags.String("metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flags.String("health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flags.String("api-bind-address", ":5000", "The address the REST API binds to.")
	flags.Bool("leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flags.String("namespace", "", "Only watch this namespace. Empty watches all namespaces.")

	flags.String("store", storeMemory, "Policy record store one of 'memory', 'file' or 'postgres'")
	flags.String("store-path", "volumania-policies.yaml", "Snapshot path of the 'file' store")
	flags.String("store-dsn", "", "Connection string of the 'postgres' store")

	flags.Duration("call-timeout", autoscaler.DefaultCallTimeout, "Timeout of each cluster call")
	flags.String("sidecar-image", "", "Image of the injected disk usage sidecar")

	flags.Bool("cert-rotation", false, "Generate and rotate the webhook serving certificate")
	flags.String("cert-dir", "/tmp/k8s-webhook-server/serving-certs", "Directory of the webhook serving certificate")
	flags.Int("webhook-port", 9443, "Port the webhook server binds to")
	flags.String("webhook-service", "volumania-webhook-service", "Service fronting the webhook server")
	flags.String("webhook-secret", "volumania-webhook-server-cert", "Secret holding the webhook serving certificate")
	flags.String("webhook-config", "volumania-mutating-webhook-configuration", "Mutating webhook configuration to inject the CA into")
	flags.String("pod-namespace", "volumania-system", "Namespace the manager runs in")

	flags.String("profile", "", "Enable profiling and save profile to working dir. (Must be one of 'cpu', or 'mem'.)")
}

// bindViper binds flags and VOLUMANIA_ prefixed environment variables.
func bindViper(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(flags)
}

func loadManagerConfig(v *viper.Viper) (managerConfig, error) {
	cfg := managerConfig{
		MetricsAddr:    v.GetString("metrics-bind-address"),
		ProbeAddr:      v.GetString("health-probe-bind-address"),
		APIAddr:        v.GetString("api-bind-address"),
		LeaderElection: v.GetBool("leader-elect"),
		Namespace:      v.GetString("namespace"),
		Store:          strings.ToLower(v.GetString("store")),
		StorePath:      v.GetString("store-path"),
		StoreDSN:       v.GetString("store-dsn"),
		CallTimeout:    v.GetDuration("call-timeout"),
		SidecarImage:   v.GetString("sidecar-image"),
		CertRotation:   v.GetBool("cert-rotation"),
		CertDir:        v.GetString("cert-dir"),
		WebhookPort:    v.GetInt("webhook-port"),
		WebhookService: v.GetString("webhook-service"),
		WebhookSecret:  v.GetString("webhook-secret"),
		WebhookConfig:  v.GetString("webhook-config"),
		PodNamespace:   v.GetString("pod-namespace"),
		Profile:        v.GetString("profile"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      v.GetString("log-format"),
	}
	return cfg, cfg.validate()
}

func (c managerConfig) validate() error {
	switch c.Store {
	case storeMemory, storeFile:
	case storePostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("--store-dsn is required with --store=%s", storePostgres)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("--call-timeout must be positive, got %s", c.CallTimeout)
	}
	switch c.Profile {
	case "", "cpu", "mem":
	default:
		return fmt.Errorf("unknown profile mode %q", c.Profile)
	}
	return nil
}
