package common

// PartSize is the size of every uploaded part except possibly the last one.
// It is a protocol constant shared with the store and must stay a power of
// two multiple of the 1 MiB tree-hash leaf.
const PartSize = 1 << 20

// Defaults for the upload pipeline.
const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 200
	DefaultClientLife  = 60
)

// AnyAccount is the Glacier account id meaning "the account of the caller".
const AnyAccount = "-"
