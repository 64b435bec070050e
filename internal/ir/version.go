package ir

// Version constants.
const (
	// SchemaVersion is the persisted record format version.
	SchemaVersion = "1"

	// Version is the ledgerguard release version.
	Version = "0.1.0"
)
