package gswatch

// Version is set at build time via -ldflags.
var Version = "dev"

const ReleasesAPI = "https://api.github.com/repos/gswatch/gswatch/releases"
