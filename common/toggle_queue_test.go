package common

import (
	"testing"

	"github.com/sharedcode/acid"
)

func addWrite(key string, value acid.Value, record int64, stamp int64) acid.Write {
	return acid.Write{Key: key, Value: value, Record: record, Action: acid.AddAction, Stamp: stamp}
}

func removeWrite(key string, value acid.Value, record int64, stamp int64) acid.Write {
	return acid.Write{Key: key, Value: value, Record: record, Action: acid.RemoveAction, Stamp: stamp}
}

func TestInsertAppendsInOrder(t *testing.T) {
	q := NewToggleQueue(4)
	q.Insert(addWrite("name", "Ann", 1, 1))
	q.Insert(addWrite("age", "30", 1, 2))
	q.Insert(addWrite("name", "Bob", 2, 3))

	got := q.Writes()
	if len(got) != 3 {
		t.Fatalf("got %d writes, want 3", len(got))
	}
	if got[0].Value != "Ann" || got[1].Key != "age" || got[2].Record != 2 {
		t.Errorf("writes out of insertion order: %v", got)
	}
}

func TestInverseWriteCancels(t *testing.T) {
	q := NewToggleQueue(4)
	if !q.Insert(addWrite("name", "Ann", 1, 1)) {
		t.Fatal("first insert should append")
	}
	if q.Insert(removeWrite("name", "Ann", 1, 2)) {
		t.Error("inverse insert should cancel, not append")
	}
	if !q.IsEmpty() {
		t.Errorf("queue should be empty after cancellation, has %d", q.Len())
	}
}

func TestCancellationScansWholeBuffer(t *testing.T) {
	q := NewToggleQueue(4)
	q.Insert(addWrite("name", "Ann", 1, 1))
	q.Insert(addWrite("age", "30", 1, 2))
	q.Insert(addWrite("name", "Bob", 2, 3))
	// The inverse of the first write, which is no longer adjacent.
	q.Insert(removeWrite("name", "Ann", 1, 4))

	got := q.Writes()
	if len(got) != 2 {
		t.Fatalf("got %d writes, want 2: %v", len(got), got)
	}
	for _, w := range got {
		if w.Value == "Ann" {
			t.Errorf("cancelled write survived: %v", w)
		}
	}
	// Positions after the splice must still resolve, so later inverses of
	// the survivors cancel too.
	q.Insert(removeWrite("name", "Bob", 2, 5))
	if len(q.Writes()) != 1 {
		t.Errorf("index not repaired after splice: %v", q.Writes())
	}
}

func TestDifferentTopicsDoNotCancel(t *testing.T) {
	q := NewToggleQueue(4)
	q.Insert(addWrite("name", "Ann", 1, 1))
	q.Insert(removeWrite("name", "Bob", 1, 2))
	q.Insert(removeWrite("name", "Ann", 2, 3))

	if q.Len() != 3 {
		t.Errorf("writes on distinct topics must all survive, got %d", q.Len())
	}
}

func TestSameActionDoesNotCancel(t *testing.T) {
	q := NewToggleQueue(4)
	q.Insert(addWrite("name", "Ann", 1, 1))
	if !q.Insert(addWrite("name", "Ann", 1, 2)) {
		t.Error("repeated ADD is not an inverse and should append")
	}
}

func TestSealedTopicIsNeverCancelled(t *testing.T) {
	q := NewToggleQueue(4)
	q.Insert(addWrite("name", "Ann", 1, 1))
	q.SealField("name", 1)
	if !q.Insert(removeWrite("name", "Ann", 1, 2)) {
		t.Fatal("inverse of an observed write must append")
	}
	if q.Len() != 2 {
		t.Errorf("both writes must survive once observed, got %d", q.Len())
	}
}

func TestSealKeyAndRecord(t *testing.T) {
	q := NewToggleQueue(4)
	q.Insert(addWrite("name", "Ann", 1, 1))
	q.Insert(addWrite("age", "30", 2, 2))
	q.SealKey("name")
	q.SealRecord(2)

	q.Insert(removeWrite("name", "Ann", 1, 3))
	q.Insert(removeWrite("age", "30", 2, 4))
	if q.Len() != 4 {
		t.Errorf("sealed topics cancelled, got %d writes", q.Len())
	}
}

func TestWritesForFilters(t *testing.T) {
	q := NewToggleQueue(4)
	q.Insert(addWrite("name", "Ann", 1, 1))
	q.Insert(addWrite("name", "Bob", 2, 2))
	q.Insert(addWrite("age", "30", 1, 3))

	if got := q.WritesFor("name", 1); len(got) != 1 || got[0].Value != "Ann" {
		t.Errorf("WritesFor(name,1) = %v", got)
	}
	if got := q.WritesForKey("name"); len(got) != 2 {
		t.Errorf("WritesForKey(name) = %v", got)
	}
	if got := q.WritesForRecord(1); len(got) != 2 {
		t.Errorf("WritesForRecord(1) = %v", got)
	}
}
