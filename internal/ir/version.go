package ir

const (
	// SchemaVersion is the version of the change record wire format.
	SchemaVersion = "1"

	// EngineVersion is the changesync release.
	EngineVersion = "0.3.0"
)
