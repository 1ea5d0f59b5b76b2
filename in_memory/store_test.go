package in_memory

import (
	"context"
	"sync"
	"testing"

	"github.com/sharedcode/acid"
)

type stepClock struct {
	mu sync.Mutex
	n  int64
}

func (c *stepClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

type recordingListener struct {
	mu     sync.Mutex
	tokens []acid.Token
}

func (l *recordingListener) OnVersionChange(token acid.Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, token)
}

func (l *recordingListener) fired() []acid.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]acid.Token(nil), l.tokens...)
}

func TestAddRemoveVerify(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})

	if ok, _ := s.Add(ctx, "name", "Ann", 1); !ok {
		t.Fatal("Add of absent value failed")
	}
	if ok, _ := s.Add(ctx, "name", "Ann", 1); ok {
		t.Error("Add of present value succeeded")
	}
	if got, _ := s.Verify(ctx, "name", "Ann", 1); !got {
		t.Error("Verify misses added value")
	}
	if ok, _ := s.Remove(ctx, "name", "Ann", 1); !ok {
		t.Fatal("Remove of present value failed")
	}
	if ok, _ := s.Remove(ctx, "name", "Ann", 1); ok {
		t.Error("Remove of absent value succeeded")
	}
}

func TestBrowseAndSelectRecord(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	s.Add(ctx, "name", "Ann", 1)
	s.Add(ctx, "name", "Ann", 2)
	s.Add(ctx, "age", "30", 1)

	browse, _ := s.Browse(ctx, "name")
	if recs := browse["Ann"]; len(recs) != 2 {
		t.Errorf("Browse = %v", browse)
	}
	record, _ := s.SelectRecord(ctx, 1)
	if len(record) != 2 || len(record["name"]) != 1 || record["age"][0] != "30" {
		t.Errorf("SelectRecord = %v", record)
	}
}

func TestExploreMatchesOperator(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	s.Add(ctx, "age", "30", 1)
	s.Add(ctx, "age", "50", 2)

	got, _ := s.Explore(ctx, "age", acid.GreaterThan, "40")
	if len(got) != 1 || len(got[2]) != 1 || got[2][0] != "50" {
		t.Errorf("Explore = %v", got)
	}
}

func TestChronologizeWindow(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	s.Add(ctx, "name", "Ann", 1)    // stamp 1
	s.Remove(ctx, "name", "Ann", 1) // stamp 2
	s.Add(ctx, "name", "Bob", 1)    // stamp 3

	got, _ := s.Chronologize(ctx, "name", 1, 2, 3)
	if len(got) != 1 || got[0].Action != acid.RemoveAction {
		t.Errorf("Chronologize = %v, want the stamp-2 revision only", got)
	}
}

func TestReviewTrailsRecord(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	s.Add(ctx, "name", "Ann", 1)
	s.Add(ctx, "age", "30", 1)
	s.Add(ctx, "name", "Bob", 2)

	trail, _ := s.Review(ctx, 1)
	if len(trail) != 2 {
		t.Errorf("Review = %v, want two stamps", trail)
	}
}

func TestApplyVerifySkipsSatisfiedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	s.Add(ctx, "name", "Ann", 1)

	err := s.Apply(ctx, []acid.Write{
		{Key: "name", Value: "Ann", Record: 1, Action: acid.AddAction, Stamp: 9},
		{Key: "name", Value: "Bob", Record: 1, Action: acid.AddAction, Stamp: 10},
	}, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	history, _ := s.Chronologize(ctx, "name", 1, 0, 1<<40)
	if len(history) != 2 {
		t.Errorf("history = %v, want original add plus one new write", history)
	}
}

func TestApplyRejectsComparison(t *testing.T) {
	s := NewStore(&stepClock{})
	err := s.Apply(context.Background(), []acid.Write{
		{Key: "name", Value: "Ann", Record: 1, Action: acid.CompareAction},
	}, false)
	if err == nil {
		t.Error("comparison write applied")
	}
}

func TestWriteFiresAllCoveringTokens(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})

	listeners := map[acid.Token]*recordingListener{}
	for _, token := range []acid.Token{
		acid.TokenForField("name", 1),
		acid.TokenForRecord(1),
		acid.TokenForKey("name"),
		acid.TokenForRange("name"),
		acid.TokenForField("age", 1), // must not fire
	} {
		l := &recordingListener{}
		listeners[token] = l
		s.AddVersionChangeListener(token, l)
	}

	s.Add(ctx, "name", "Ann", 1)

	for token, l := range listeners {
		fired := l.fired()
		if token == acid.TokenForField("age", 1) {
			if len(fired) != 0 {
				t.Errorf("unrelated token %v fired", token)
			}
			continue
		}
		if len(fired) != 1 || fired[0] != token {
			t.Errorf("token %v fired %v times", token, len(fired))
		}
	}
}

func TestListenerFiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	l := &recordingListener{}
	s.AddVersionChangeListener(acid.TokenForField("name", 1), l)

	s.Add(ctx, "name", "Ann", 1)
	s.Add(ctx, "name", "Bob", 1)

	if fired := l.fired(); len(fired) != 1 {
		t.Errorf("listener fired %d times, want 1", len(fired))
	}
}

func TestRemovedListenerNeverFires(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	l := &recordingListener{}
	token := acid.TokenForField("name", 1)
	s.AddVersionChangeListener(token, l)
	s.RemoveVersionChangeListener(token, l)

	s.Add(ctx, "name", "Ann", 1)
	if fired := l.fired(); len(fired) != 0 {
		t.Errorf("removed listener fired %d times", len(fired))
	}
}

func TestFailedWriteDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&stepClock{})
	s.Add(ctx, "name", "Ann", 1)

	l := &recordingListener{}
	s.AddVersionChangeListener(acid.TokenForField("name", 1), l)
	if ok, _ := s.Add(ctx, "name", "Ann", 1); ok {
		t.Fatal("duplicate add succeeded")
	}
	if fired := l.fired(); len(fired) != 0 {
		t.Errorf("no-op write fired %d notifications", len(fired))
	}
}
