package version

// Set via ldflags at build time.
var (
	version   = "dev"
	dockerTag = "latest"
)

// AppVersion is the semantic version of the binary.
func AppVersion() string {
	return version
}

// DockerTag is the image tag the binary was released under.
func DockerTag() string {
	return dockerTag
}
