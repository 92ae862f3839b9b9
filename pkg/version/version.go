package version

// Project constants
const (
	// ProgramName is the name of the runtime
	ProgramName = "MasRun"

	// Version is the current version of the runtime
	Version = "0.1.0"

	// APIVersion is the CRI API version we expose to orchestrators
	// (should ideally match the imported k8s.io/cri-api)
	APIVersion = "0.1.0"
)
