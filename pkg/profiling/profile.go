package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// Init starts the requested profilers. Either path may be empty to skip that
// profiler. The returned stop function flushes pending profiles and must run
// before the process exits.
func Init(cpuPath, memPath string) func() {
	var stops []func()

	if cpuPath != "" {
		stops = append(stops, startCPUProfile(cpuPath))
	}
	if memPath != "" {
		stops = append(stops, heapDumper(memPath))
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

func startCPUProfile(path string) func() {
	logrus.Info("initializing CPU profiling")

	file, err := os.Create(path)
	if err != nil {
		logrus.WithError(err).Fatal("could not create CPU profile")
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		logrus.WithError(err).Fatal("could not start CPU profile")
	}

	return func() {
		pprof.StopCPUProfile()

		if err := file.Close(); err != nil {
			logrus.WithError(err).Error("could not close CPU profile")
		}
	}
}

// The heap profile is a point-in-time snapshot, so it is written on stop
// rather than at startup.
func heapDumper(path string) func() {
	logrus.Info("initializing memory profiling")

	return func() {
		file, err := os.Create(path)
		if err != nil {
			logrus.WithError(err).Error("could not create memory profile")
			return
		}
		defer file.Close()

		runtime.GC()

		if err := pprof.WriteHeapProfile(file); err != nil {
			logrus.WithError(err).Error("could not write memory profile")
		}
	}
}
