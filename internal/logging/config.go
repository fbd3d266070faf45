package logging

// Config defines the logging section of config.yml.
type Config struct {
	// Level is the minimum log level to output (e.g., "debug", "info", "warn", "error").
	// Can be overridden by the CODEMD_LOG_LEVEL environment variable.
	Level string `yaml:"level"`

	// Format is "text" (default) or "json".
	Format string `yaml:"format"`

	// File, when set, receives log output in addition to stderr.
	File string `yaml:"file"`

	// ReportCaller includes file and line in every entry.
	ReportCaller bool `yaml:"report_caller"`
}
