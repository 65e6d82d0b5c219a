package policy

import _ "embed"

//go:embed manifest.cue
var defaultManifestCUE []byte

// Default compiles the embedded manifest, used when no manifest file is
// configured.
func Default() (*Manifest, error) {
	return ParseManifest(defaultManifestCUE, "manifest.cue")
}
