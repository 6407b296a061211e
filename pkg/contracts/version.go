package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the current version of the application
	Version = "0.3.0"

	// ProtocolVersion is the version of the realtime fleet protocol
	ProtocolVersion = "fleet.v1"

	// LicenseFormatVersion is the version of the signed license envelope
	LicenseFormatVersion = "v1"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"
)

// VersionInfo contains detailed version information
type VersionInfo struct {
	Version       string `json:"version"`
	BuildTime     string `json:"build_time"`
	GitCommit     string `json:"git_commit"`
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Architecture  string `json:"architecture"`
	Protocol      string `json:"protocol"`
	LicenseFormat string `json:"license_format"`
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:       Version,
		BuildTime:     BuildTime,
		GitCommit:     GitCommit,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Architecture:  runtime.GOARCH,
		Protocol:      ProtocolVersion,
		LicenseFormat: LicenseFormatVersion,
	}
}

// GetVersionString returns a formatted version string
func GetVersionString(component string) string {
	return fmt.Sprintf("fleetcore %s v%s", component, Version)
}

// GetFullVersionString returns a detailed version string
func GetFullVersionString(component string) string {
	info := GetVersionInfo()
	return fmt.Sprintf(
		"%s (built: %s, commit: %s, go: %s, os: %s/%s)",
		GetVersionString(component),
		info.BuildTime,
		info.GitCommit,
		info.GoVersion,
		info.OS,
		info.Architecture,
	)
}
