package metrics

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subproc",
		Name:      "commands_total",
		Help:      "Total number of completed subprocesses by command and exit status.",
	}, []string{"command", "status"})

	commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subproc",
		Name:      "command_duration_seconds",
		Help:      "Wall-clock duration of completed subprocesses in seconds.",
	}, []string{"command"})

	findingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subproc",
		Name:      "port_findings_total",
		Help:      "Listening-process lookups by platform and returncode.",
	}, []string{"platform", "returncode"})

	terminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subproc",
		Name:      "terminations_total",
		Help:      "Process termination attempts by returncode.",
	}, []string{"returncode"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "subproc",
		Name:      "build_info",
		Help:      "Build metadata for the running subproc binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(commandsTotal, commandDuration, findingsTotal, terminationsTotal, buildInfo)
}

// Registry returns the Prometheus registry containing all subproc metrics.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveCommand records a completed subprocess. Exit codes are bucketed into
// "success" and "failure" to keep label cardinality bounded.
func ObserveCommand(command string, exitCode int, d time.Duration) {
	label := command
	if label == "" {
		label = "unknown"
	}
	status := "success"
	if exitCode != 0 {
		status = "failure"
	}
	commandsTotal.WithLabelValues(label, status).Inc()
	commandDuration.WithLabelValues(label).Observe(d.Seconds())
}

// ObserveFinding records the outcome of a listening-process lookup.
func ObserveFinding(platform string, returncode int) {
	findingsTotal.WithLabelValues(platform, strconv.Itoa(returncode)).Inc()
}

// ObserveTermination records the outcome of a termination attempt.
func ObserveTermination(returncode int) {
	terminationsTotal.WithLabelValues(strconv.Itoa(returncode)).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
