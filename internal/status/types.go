package status

// Data is the model for the plain-text status page.
type Data struct {
	Service    string
	Version    string
	ServerTime string

	LastCheck   string
	LastOutcome string
	LastVersion string
	LastError   string

	Recorded       int
	LatestVersion  string
	LatestArtifact string
	LatestAt       string

	// CleanupError is set when the last cycle could not empty the download
	// folder.
	CleanupError string
}
