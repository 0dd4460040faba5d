package mirror

type WriteType string

const (
	WriteInsert WriteType = "insert"
	WriteUpdate WriteType = "update"
	WriteDelete WriteType = "delete"
)

// Write is one staged change to a mirrored collection. Key identifies the
// row; Value is the full row for inserts and updates and may be nil for
// deletes.
type Write struct {
	Type  WriteType
	Key   string
	Value map[string]any
}

// Sink is the reactive-store boundary the sync engine writes into. One sync
// pass applies Begin, zero or more Writes, then Commit; Truncate inside a
// transaction discards existing rows before the staged writes land. MarkReady
// is a one-way latch signalling that the collection holds a usable row-set.
type Sink interface {
	Begin()
	Write(w Write)
	Commit()
	Truncate()
	MarkReady()
	IsReady() bool
	OnFirstReady(fn func()) (unregister func())
}
