package storage

// Config - ...
type Config struct {
	DSN       string
	ChunkSize int
}

// DefaultChunkSize bounds one dedup insert batch.
const DefaultChunkSize = 200

// LockID - advisory lock scope. One id per entity type, so concurrent
// inserts of different entities never serialize against each other.
type LockID int64

const (
	LockRecords LockID = iota + 7200
	LockManagers
	LockServices
)
