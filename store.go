package acid

import "context"

// VersionChangeListener is notified when data under a watched Token is
// mutated by any writer. A listener is fired at most once per registration
// and is unregistered by the act of firing.
type VersionChangeListener interface {
	OnVersionChange(token Token)
}

// Store is the destination contract: the read/write surface of whatever an
// atomic operation eventually writes to (the engine, or another atomic
// operation up the tree).
type Store interface {
	// Browse returns, for key, every stored value mapped to the records
	// containing it.
	Browse(ctx context.Context, key string) (map[Value][]int64, error)
	// Select returns the values of key in record.
	Select(ctx context.Context, key string, record int64) ([]Value, error)
	// SelectRecord returns every key of record mapped to its values.
	SelectRecord(ctx context.Context, record int64) (map[string][]Value, error)
	// Verify reports whether record contains value for key.
	Verify(ctx context.Context, key string, value Value, record int64) (bool, error)
	// Explore returns the records whose key satisfies op against operand,
	// mapped to the satisfying values.
	Explore(ctx context.Context, key string, op Operator, operand Value) (map[int64][]Value, error)
	// Chronologize returns the revision history of key in record whose
	// stamps fall within [start, end), oldest first.
	Chronologize(ctx context.Context, key string, record int64, start, end int64) ([]Write, error)
	// Review returns the audit trail of record: stamp mapped to
	// human-readable descriptions of the mutations at that stamp.
	Review(ctx context.Context, record int64) (map[int64][]string, error)

	// Add associates value with key in record. Returns false when the
	// association already exists.
	Add(ctx context.Context, key string, value Value, record int64) (bool, error)
	// Remove dissociates value from key in record. Returns false when the
	// association does not exist.
	Remove(ctx context.Context, key string, value Value, record int64) (bool, error)

	// Apply ingests writes in order at commit time, without the Add/Remove
	// existence checks. When verify is true each write is first checked
	// against current state and skipped if already satisfied, making
	// re-application after a crash idempotent.
	Apply(ctx context.Context, writes []Write, verify bool) error
	// Sync forces applied writes to stable storage.
	Sync(ctx context.Context) error
}

// AtomicSupport is a Store that can host speculative offspring: it serves
// unlocked read variants for operations that already carry the equivalent
// lock intentions, and it maintains the version-change listener registry.
type AtomicSupport interface {
	Store

	// Unlocked read variants. The engine serves these without taking read
	// locks; an atomic operation serving them to a child records the
	// intentions on itself, so the parent inherits the child's lock state.
	BrowseUnlocked(ctx context.Context, key string) (map[Value][]int64, error)
	SelectUnlocked(ctx context.Context, key string, record int64) ([]Value, error)
	SelectRecordUnlocked(ctx context.Context, record int64) (map[string][]Value, error)
	VerifyUnlocked(ctx context.Context, key string, value Value, record int64) (bool, error)
	ExploreUnlocked(ctx context.Context, key string, op Operator, operand Value) (map[int64][]Value, error)
	ChronologizeUnlocked(ctx context.Context, key string, record int64, start, end int64) ([]Write, error)
	ReviewUnlocked(ctx context.Context, record int64) (map[int64][]string, error)

	// AddVersionChangeListener registers listener for token. Registration is
	// idempotent per (token, listener) pair.
	AddVersionChangeListener(token Token, listener VersionChangeListener)
	// RemoveVersionChangeListener drops a registration that has not fired.
	RemoveVersionChangeListener(token Token, listener VersionChangeListener)
	// NotifyVersionChange fires every listener registered for token exactly
	// once and unregisters them.
	NotifyVersionChange(token Token)
}

// AtomicEngine is the base storage engine collaborator: an AtomicSupport
// that also owns the shared lock services every Transaction contends on.
type AtomicEngine interface {
	AtomicSupport

	LockService() LockService
	RangeLockService() LockService
}
