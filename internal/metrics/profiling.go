package metrics

import (
	"fmt"
	"log"

	"github.com/grafana/pyroscope-go"
)

// pyroscopeLogger routes profiler messages to the standard log. Debug output is dropped.
type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...interface{}) {
	log.Printf("[pyroscope] "+format, args...)
}
func (pyroscopeLogger) Debugf(string, ...interface{}) {}
func (pyroscopeLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[pyroscope] error: "+format, args...)
}

// StartProfiler pushes continuous CPU and heap profiles to a Pyroscope server.
// An empty serverAddr disables profiling and returns a no-op stop func.
func StartProfiler(app, serverAddr string, tags map[string]string) (stop func(), err error) {
	if serverAddr == "" {
		return func() {}, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   serverAddr,
		Tags:            tags,
		Logger:          pyroscopeLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pyroscope start: %w", err)
	}
	log.Printf("[metrics] profiling to %s as %s", serverAddr, app)
	return func() { _ = profiler.Stop() }, nil
}
