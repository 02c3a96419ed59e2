package constant

// These are set at build time via -ldflags.
var (
	Version     = "dev"
	CompileTime = "unknown"
)
