package version

// Build-time variables injected by ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)
