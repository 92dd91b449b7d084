package main

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"
	"sigs.k8s.io/prow/pkg/version"

	"github.com/openshift/cincinnati/pkg/config"
	"github.com/openshift/cincinnati/pkg/httphelper"
	"github.com/openshift/cincinnati/pkg/plugins"
	"github.com/openshift/cincinnati/pkg/policyengine"
)

const exitConfigError = 1

type options struct {
	configPath string
	verbosity  int
}

func parseOptions() options {
	o := options{}
	pflag.StringVarP(&o.configPath, "config", "c", "", "Path to the TOML configuration file")
	pflag.CountVarP(&o.verbosity, "verbose", "v", "Increase verbosity (repeatable)")
	pflag.Parse()
	return o
}

// defaultPluginSettings is the canonical per-request pipeline: fetch the
// upstream graph, filter by arch and channel, wrap with the schema version.
func defaultPluginSettings() ([]plugins.Settings, error) {
	var out []plugins.Settings
	for _, name := range []string{
		plugins.GraphFetchPluginName,
		plugins.ArchFilterPluginName,
		plugins.ChannelFilterPluginName,
		plugins.VersionedGraphPluginName,
	} {
		settings, err := plugins.SettingsByName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, settings)
	}
	return out, nil
}

func main() {
	version.Name = "policy-engine"
	logrusutil.ComponentInit()
	o := parseOptions()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		logrus.WithError(err).Error("failed to load configuration")
		os.Exit(exitConfigError)
	}
	if o.verbosity > 0 {
		cfg.Verbosity = o.verbosity
	}
	logrus.SetLevel(config.VerbosityToLevel(cfg.Verbosity))

	registry, registerer := httphelper.NewPrefixedRegistry(policyengine.MetricsPrefix)

	settings := cfg.PluginSettings
	if len(settings) == 0 {
		if settings, err = defaultPluginSettings(); err != nil {
			logrus.WithError(err).Error("failed to assemble default plugins")
			os.Exit(exitConfigError)
		}
	}
	pipeline, err := plugins.BuildAll(settings, registerer)
	if err != nil {
		logrus.WithError(err).Error("failed to build plugins")
		os.Exit(exitConfigError)
	}
	executor := plugins.NewExecutor(pipeline,
		plugins.WithMetrics(plugins.NewExecutorMetrics(registerer)))

	mandatory := cfg.Service.MandatoryClientParameters
	if mandatory == "" {
		mandatory = plugins.ParamChannel
	}
	mandatoryParams := make([]string, 0)
	for param := range config.ParseParamsSet(mandatory) {
		mandatoryParams = append(mandatoryParams, param)
	}
	sort.Strings(mandatoryParams)

	engine := policyengine.NewEngine(executor, httphelper.NewMetrics(registerer), mandatoryParams)

	statusServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Status.Address, cfg.Status.Port),
		Handler: policyengine.StatusMux(engine, registry),
	}
	interrupts.ListenAndServe(statusServer, 5*time.Second)

	router := httprouter.New()
	engine.Routes(router, config.ParsePathPrefix(cfg.Service.PathPrefix))
	mainServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Service.Address, cfg.Service.Port),
		Handler: router,
	}
	interrupts.ListenAndServe(mainServer, 5*time.Second)

	logrus.WithFields(logrus.Fields{
		"addr":        mainServer.Addr,
		"status_addr": statusServer.Addr,
	}).Info("policy-engine started")
	interrupts.WaitForGracefulShutdown()
}
