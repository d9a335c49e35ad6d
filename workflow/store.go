package workflow

import "context"

// DefinitionStore persists workflow definitions. Save keeps prior versions;
// Get with version 0 returns the latest.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
	ListDefinitions(ctx context.Context, enabledOnly bool) ([]*Definition, error)
	DeleteDefinition(ctx context.Context, id string, version int) error
}

// InstanceFilter narrows instance queries.
type InstanceFilter struct {
	WorkflowID string
	Statuses   []InstanceStatus
	// CorrelationID matches exactly when set.
	CorrelationID string
	Limit         int
	Offset        int
}

// InstanceStore persists workflow instances. Update is a compare-and-swap on
// Instance.Version: a stale version is a Conflict and the caller re-reads.
// Domain events for instance transitions are appended by the engine, not the
// store.
type InstanceStore interface {
	CreateInstance(ctx context.Context, in *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, in *Instance) (*Instance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error)
	ListRunning(ctx context.Context) ([]*Instance, error)
	// ListWaitingForEvent returns Paused instances whose waiting step matches
	// eventType, and correlationKey when non-empty.
	ListWaitingForEvent(ctx context.Context, eventType, correlationKey string) ([]*Instance, error)
}
