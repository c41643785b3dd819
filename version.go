package proxyrotate

// Version is the current version of the proxyrotate library
const Version = "0.3.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Worker is the worker command family the default template targets
	Worker string
	// Platforms lists where the exec launcher is supported
	Platforms []string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Worker:    "gost",
		Platforms: []string{"linux", "darwin"},
	}
}
