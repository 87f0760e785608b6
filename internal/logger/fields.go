package logger

// Standard field keys for structured logging.
// Use these consistently so engine logs can be aggregated and queried.
const (
	// Request identity
	KeyOp       = "op"       // operation kind: read, write, free, claim, trim, flush
	KeyStage    = "stage"    // pipeline stage name
	KeyPriority = "priority" // scheduling priority
	KeyChild    = "child"    // child kind: logical, gang, dedup, device
	KeyTxg      = "txg"      // transaction group
	KeyElapsed  = "elapsed"  // wall time spent so far
	KeyError    = "error"    // error value

	// Addressing
	KeyDevice = "device" // device id
	KeyOffset = "offset" // byte offset on device
	KeySize   = "size"   // logical size in bytes
	KeyPSize  = "psize"  // physical size in bytes
	KeyClass  = "class"  // allocation class name
	KeyCopies = "copies" // requested copy count

	// Pool lifecycle
	KeyPool   = "pool"   // pool name
	KeyReason = "reason" // suspend reason
)
