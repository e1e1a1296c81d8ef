package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information of the running binary.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo registers build_info once and sets it for the given version.
// An empty or "dev" commit falls back to the VCS revision stamped by the
// go tool, when there is one.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" || commit == "dev" {
		if rev := vcsRevision(); rev != "" {
			commit = rev
		}
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}
