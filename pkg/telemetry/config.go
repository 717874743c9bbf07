package telemetry

type Config struct {
	// The OTLP collector to export traces to. Tracing is disabled entirely
	// when no host is configured.
	OTLP OTLP `yaml:"otlp"`
	// The instrumentation package name to use for the telemetry.
	Package string `yaml:"package"`
	// ID of the service instance. Autogenerated when empty.
	ID string `yaml:"id"`
}

type OTLP struct {
	// The endpoint of the OTLP collector. Must not contain any URL path.
	Host string `yaml:"host"`
	// Secure indicates whether to use TLS when connecting to the OTLP
	// endpoint. HTTPS is used if enabled, HTTP otherwise.
	Secure bool `yaml:"secure"`
}

// Enabled reports whether an OTLP endpoint is configured at all.
func (c Config) Enabled() bool {
	return c.OTLP.Host != ""
}
