package model

// Status is the lifecycle state of a package.
type Status string

const (
	StatusPreparation Status = "preparation"
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusReady       Status = "ready"
	StatusStarting    Status = "starting"
	StatusProduction  Status = "production"
	StatusStorage     Status = "storage"
	StatusProduced    Status = "produced"
	StatusSending     Status = "sending"
	StatusSent        Status = "sent"

	StatusSkipped    Status = "skipped"
	StatusVoid       Status = "void"
	StatusDuplicate  Status = "duplicate"
	StatusSuppressed Status = "suppressed"
	StatusBounced    Status = "bounced"
	// StatusErroneus is the terminal failure state. The historical spelling
	// is kept because it is persisted in existing databases.
	StatusErroneus Status = "erroneus"
)

// activeStages are the statuses during which a task chain may be working on
// the package.
var activeStages = map[Status]bool{
	StatusStarting:   true,
	StatusProduction: true,
	StatusStorage:    true,
	StatusProduced:   true,
	StatusSending:    true,
}

// IsActiveStage reports whether a live task chain may own the package.
func (s Status) IsActiveStage() bool {
	return activeStages[s]
}

// IsTerminal reports whether the package has finished processing, successfully
// or not. Terminal packages are only re-driven by the recovery command.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusSkipped, StatusVoid, StatusSuppressed,
		StatusBounced, StatusErroneus:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPreparation, StatusPending, StatusApproved, StatusReady,
		StatusStarting, StatusProduction, StatusStorage, StatusProduced,
		StatusSending, StatusSent, StatusSkipped, StatusVoid,
		StatusDuplicate, StatusSuppressed, StatusBounced, StatusErroneus:
		return true
	}
	return false
}
