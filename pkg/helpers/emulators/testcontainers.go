package emulators

// ImageContainer describes the container image a test store runs in.
type ImageContainer struct {
	EmulatorImage string
	EmulatorPort  string
}
