package rollback

// Callbacks is the host simulation's hook into a Session. SaveGameState,
// LoadGameState, FreeBuffer and AdvanceFrame share their exact signature
// with engine.Callbacks on purpose: any type implementing Callbacks also
// satisfies engine.Callbacks structurally, so a Session can hand its
// callbacks straight to the engine.Sync it builds without either package
// importing the other.
type Callbacks interface {
	// BeginGame is called once, at session construction.
	BeginGame(gameName string) error

	// SaveGameState captures an opaque snapshot of the current simulation
	// state, along with a checksum for divergence detection.
	SaveGameState() (buf []byte, checksum uint32, err error)

	// LoadGameState restores a snapshot previously returned by
	// SaveGameState.
	LoadGameState(buf []byte) error

	// LogGameState is a diagnostic hook for dumping a snapshot to disk;
	// implementations that don't need it can no-op.
	LogGameState(filename string, buf []byte) error

	// FreeBuffer releases a snapshot buffer once evicted from the saved
	// state ring.
	FreeBuffer(buf []byte)

	// AdvanceFrame runs exactly one simulation tick. The host is expected
	// to call Session.SynchronizeInput and Session.IncrementFrame as part
	// of this call, the same way it does for a normal frame.
	AdvanceFrame(flags int)

	// OnEvent delivers a host-visible Event.
	OnEvent(event Event)
}
