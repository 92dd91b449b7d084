package main

import (
	"context"
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
	"github.com/openshift/cincinnati/pkg/graphbuilder"
	"github.com/openshift/cincinnati/pkg/httphelper"
	"github.com/openshift/cincinnati/pkg/plugins"
)

const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

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

// defaultPluginSettings is the pipeline used when the configuration names no
// plugins: scrape the registry, then honor the removal annotations.
func defaultPluginSettings() ([]plugins.Settings, error) {
	var out []plugins.Settings
	for _, name := range []string{
		plugins.ReleaseScrapePluginName,
		plugins.NodeRemovePluginName,
		plugins.EdgeAddRemovePluginName,
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
	version.Name = "graph-builder"
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

	registry, registerer := httphelper.NewPrefixedRegistry(graphbuilder.MetricsPrefix)

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

	mandatoryParams := make([]string, 0)
	for param := range config.ParseParamsSet(cfg.Service.MandatoryClientParameters) {
		mandatoryParams = append(mandatoryParams, param)
	}
	sort.Strings(mandatoryParams)

	state := graphbuilder.NewState(mandatoryParams)
	metrics := graphbuilder.NewMetrics(registerer)
	loop := graphbuilder.NewLoop(executor, state, metrics,
		time.Duration(cfg.Service.PauseSecs)*time.Second,
		time.Duration(cfg.Service.ScrapeTimeoutSecs)*time.Second)

	interrupts.Run(func(ctx context.Context) {
		loop.Run(ctx)
	})

	statusServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Status.Address, cfg.Status.Port),
		Handler: graphbuilder.StatusMux(state, registry),
	}
	interrupts.ListenAndServe(statusServer, 5*time.Second)

	prefix := config.ParsePathPrefix(cfg.Service.PathPrefix)
	if prefix == "/" {
		prefix = ""
	}
	router := httprouter.New()
	graph := metrics.HTTP.HandleWithMetrics(graphbuilder.GraphHandler(state, metrics))
	router.HandlerFunc(http.MethodGet, prefix+"/graph", graph)
	router.HandlerFunc(http.MethodGet, prefix+"/v1/graph", graph)

	mainServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Service.Address, cfg.Service.Port),
		Handler: router,
	}
	interrupts.ListenAndServe(mainServer, 5*time.Second)

	logrus.WithFields(logrus.Fields{
		"addr":        mainServer.Addr,
		"status_addr": statusServer.Addr,
	}).Info("graph-builder started")
	interrupts.WaitForGracefulShutdown()
}
