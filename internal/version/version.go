package version

// Name is the binary name reported by String.
const Name = "trackerctl"

var (
	// Version is the semantic version (injected at build time).
	Version = "dev"
	// Commit is the git commit SHA (injected at build time).
	Commit = "unknown"
	// BuildDate is the build timestamp (injected at build time).
	BuildDate = "unknown"
)

// Info returns formatted version information.
func Info() string {
	return Version + " (" + Commit + ", built " + BuildDate + ")"
}

// String is the one-line banner printed by the version command.
func String() string {
	return Name + " " + Info()
}
