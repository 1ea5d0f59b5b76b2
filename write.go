package acid

import "fmt"

// Action enumerates the kinds of Writes that flow through the subsystem.
type Action int

const (
	// AddAction associates a value with a key in a record.
	AddAction Action = iota + 1
	// RemoveAction dissociates a value from a key in a record.
	RemoveAction
	// CompareAction is a read-compare marker; it never reaches a
	// Transaction's buffer acceptance path.
	CompareAction
)

// Inverse returns the action that logically undoes this one.
// CompareAction has no inverse and returns itself.
func (a Action) Inverse() Action {
	switch a {
	case AddAction:
		return RemoveAction
	case RemoveAction:
		return AddAction
	}
	return a
}

func (a Action) String() string {
	switch a {
	case AddAction:
		return "ADD"
	case RemoveAction:
		return "REMOVE"
	case CompareAction:
		return "COMPARE"
	}
	return "UNKNOWN"
}

// Value is an opaque stored value. The engine defines its schema and
// serialization; this layer only compares values for equality and uses
// them as map keys.
type Value string

// Write is an immutable pending mutation of a field in a record.
type Write struct {
	Key    string `json:"key"`
	Value  Value  `json:"value"`
	Record int64  `json:"record"`
	Action Action `json:"action"`
	// Stamp is the timestamp assigned when the write was accepted,
	// preserved across backup/recovery so history replays identically.
	Stamp int64 `json:"stamp"`
}

// Topic identifies the logical subject of a Write: two writes with the
// same topic toggle the same fact.
type Topic struct {
	Key    string
	Record int64
	Value  Value
}

// Topic returns the write's (key, record, value) triplet.
func (w Write) Topic() Topic {
	return Topic{Key: w.Key, Record: w.Record, Value: w.Value}
}

// IsInverseOf reports whether o undoes w: same topic, opposing action.
func (w Write) IsInverseOf(o Write) bool {
	return w.Topic() == o.Topic() && w.Action == o.Action.Inverse() && w.Action != CompareAction
}

func (w Write) String() string {
	return fmt.Sprintf("%s %s AS %s IN %d", w.Action, w.Key, w.Value, w.Record)
}

// Operator selects records during an Explore read.
type Operator int

const (
	Equal Operator = iota + 1
	NotEqual
	GreaterThan
	LessThan
)

// Matches applies the operator to a stored value and the operand.
// Values compare lexicographically; typed comparison is the engine's concern.
func (op Operator) Matches(v, operand Value) bool {
	switch op {
	case Equal:
		return v == operand
	case NotEqual:
		return v != operand
	case GreaterThan:
		return v > operand
	case LessThan:
		return v < operand
	}
	return false
}
