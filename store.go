package starling

// Store abstracts the persistent archive, task graph, and agent snapshots.
// The sqlite sub-package provides the implementation; all methods are safe
// for concurrent use (a single internal mutex serialises access).
type Store interface {
	// --- Archive ---

	// StoreArchive writes content-addressed text and returns its 12-hex
	// hash. Idempotent: storing the same content twice yields one row.
	StoreArchive(content string) (string, error)
	// GetArchive returns the archived content, or ok=false when absent.
	GetArchive(hash string) (string, bool)

	// --- Tasks ---

	// NextTaskID atomically allocates the next zero-padded 4-hex task id.
	NextTaskID() (string, error)
	CreateTask(t TaskEntry) error
	GetTask(id string) (TaskEntry, bool)
	// ListTasks filters by status when status != "" and by blockedness when
	// blocked != nil.
	ListTasks(status TaskStatus, blocked *bool) ([]TaskEntry, error)
	// UpdateTask patches only non-zero fields of patch and merges metadata
	// key-by-key; a nil metadata value deletes the key.
	UpdateTask(id string, patch TaskPatch) error
	// DeleteTask removes the task and every edge referencing it.
	DeleteTask(id string) bool
	AddDep(blockerID, blockedID string) error
	RemoveDep(blockerID, blockedID string) error

	// --- Agents ---

	SaveAgentState(rec AgentRecord) error
	LoadAgentState(agentID string) (AgentRecord, bool)
	// ListActiveAgents returns active rows, optionally filtered by parent.
	ListActiveAgents(parentID string) ([]AgentRecord, error)
	MarkAgentDone(agentID string)

	// --- Lifecycle ---

	Close() error
}

// TaskPatch is a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Subject     *string
	Description *string
	Status      *TaskStatus
	Priority    *string
	ActiveForm  *string
	// Metadata merges key-by-key into the stored metadata; a nil value
	// deletes the key.
	Metadata map[string]any
}
