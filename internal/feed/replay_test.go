package feed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReplayFeedIncremental(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	appendFile(t, path, `{"event":"new","gift":{"id":42,"title":"Golden Star","stars":500,"availability_remains":10,"availability_total":100}}`+"\n")

	f := NewReplayFeed(path)
	ctx := context.Background()

	snap, err := f.Fetch(ctx, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("records = %d", len(snap.Records))
	}
	r := snap.Records[0]
	if r.ID != 42 || r.Title != "Golden Star" || r.Price != 500 || !r.Limited {
		t.Fatalf("record = %+v", r)
	}
	if *r.AvailabilityRemaining != 10 || *r.AvailabilityTotal != 100 {
		t.Fatalf("availability = %d/%d", *r.AvailabilityRemaining, *r.AvailabilityTotal)
	}

	again, err := f.Fetch(ctx, snap.Token)
	if err != nil {
		t.Fatalf("Fetch again: %v", err)
	}
	if again.Token != snap.Token || len(again.Records) != 0 {
		t.Fatalf("second fetch = %+v", again)
	}

	// A partial line is not consumed until its newline arrives.
	appendFile(t, path, `{"event":"updated","gift":{"id":42,"stars":400`)
	partial, _ := f.Fetch(ctx, snap.Token)
	if partial.Token != snap.Token || len(partial.Records) != 0 {
		t.Fatalf("partial fetch = %+v", partial)
	}
	appendFile(t, path, `,"limited":false}}`+"\n")
	done, err := f.Fetch(ctx, snap.Token)
	if err != nil {
		t.Fatalf("Fetch completed line: %v", err)
	}
	if len(done.Records) != 1 || done.Records[0].Title != "unknown" || done.Records[0].Limited {
		t.Fatalf("completed line = %+v", done.Records)
	}
	if done.Token == snap.Token {
		t.Fatal("token did not advance")
	}
}

func TestReplayFeedSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	appendFile(t, path, `{"event":"new","gift":{"id":1,"stars":5}}`+"\n"+`not json`+"\n"+`{"event":"new","gift":{"id":3,"stars":7}}`+"\n")

	f := NewReplayFeed(path)
	ctx := context.Background()
	snap, err := f.Fetch(ctx, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(snap.Records) != 2 || snap.Records[0].ID != 1 || snap.Records[1].ID != 3 || snap.Skipped != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	st, _ := os.Stat(path)
	if f.Offset() != st.Size() {
		t.Fatalf("offset = %d, want %d", f.Offset(), st.Size())
	}

	// A batch with nothing usable is still consumed.
	appendFile(t, path, "{}\n")
	if _, err := f.Fetch(ctx, ""); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	appendFile(t, path, `{"event":"new","gift":{"id":2,"stars":5}}`+"\n")
	snap, err = f.Fetch(ctx, "")
	if err != nil {
		t.Fatalf("Fetch after malformed: %v", err)
	}
	if len(snap.Records) != 1 || snap.Records[0].ID != 2 || snap.Skipped != 0 {
		t.Fatalf("records = %+v", snap.Records)
	}
}

func TestReplayFeedRejectsInvalidRecords(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"bad event":          `{"event":"removed","gift":{"id":1,"stars":5}}`,
		"missing gift":       `{"event":"new"}`,
		"zero id":            `{"event":"new","gift":{"id":0,"stars":5}}`,
		"negative stars":     `{"event":"new","gift":{"id":1,"stars":-1}}`,
		"remaining no total": `{"event":"new","gift":{"id":1,"stars":1,"availability_remains":3}}`,
		"remaining > total":  `{"event":"new","gift":{"id":1,"stars":1,"availability_remains":5,"availability_total":3}}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "feed.jsonl")
			appendFile(t, path, line+"\n")
			if _, err := NewReplayFeed(path).Fetch(context.Background(), ""); !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestReplayFeedMissingFile(t *testing.T) {
	t.Parallel()
	f := NewReplayFeed(filepath.Join(t.TempDir(), "nope.jsonl"))
	if _, err := f.Fetch(context.Background(), ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if err := f.Probe(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("probe err = %v", err)
	}
}

func TestReplayFeedTruncationResets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	appendFile(t, path, `{"event":"new","gift":{"id":1,"stars":5}}`+"\n"+`{"event":"new","gift":{"id":2,"stars":5}}`+"\n")
	f := NewReplayFeed(path)
	if _, err := f.Fetch(context.Background(), ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"event":"new","gift":{"id":3,"stars":5}}`+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	snap, err := f.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("Fetch after truncate: %v", err)
	}
	if len(snap.Records) != 1 || snap.Records[0].ID != 3 {
		t.Fatalf("records = %+v", snap.Records)
	}
}
