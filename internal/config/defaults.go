package config

const (
	DetachAuto   = "auto"
	DetachAlways = "always"
	DetachNever  = "never"

	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

const (
	defaultWorkingDirectory = "/"
	defaultDetach           = DetachAuto
	defaultPreventCore      = true
	defaultLogFormat        = FormatAuto
	defaultLogLevel         = "info"
)

// Default returns a Config populated with the daemon context defaults.
func Default() Config {
	return Config{
		WorkingDirectory: defaultWorkingDirectory,
		Detach:           defaultDetach,
		PreventCore:      defaultPreventCore,
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
