package subkey

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/internal/fsx"
	"github.com/GeceGibi/keep/internal/sched"
	"github.com/GeceGibi/keep/internal/telemetry/metric"
)

func newTestIndex(t *testing.T, dir string, mutate func(*Config)) *Index {
	t.Helper()
	cfg := Config{Name: "main", Dir: dir}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewIndex(cfg)
}

// readSetFile decodes the persisted name list for a parent straight
// from disk.
func readSetFile(t *testing.T, dir, parent string) ([]string, bool) {
	t.Helper()
	data, err := fsx.ReadIfExists(filepath.Join(dir, FileName(parent)))
	if err != nil {
		t.Fatalf("read set file: %v", err)
	}
	if data == nil {
		return nil, false
	}
	e, err := codec.DecodeEntry(codec.Unshift(data))
	if err != nil {
		t.Fatalf("decode set file: %v", err)
	}
	var names []string
	if err := json.Unmarshal(e.Payload, &names); err != nil {
		t.Fatalf("parse set payload: %v", err)
	}
	return names, true
}

func sameNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSet_RegisterAndNames(t *testing.T) {
	dir := t.TempDir()
	set := newTestIndex(t, dir, nil).Collection("user")

	set.Register("b")
	set.Register("a")
	set.Register("a")

	if got := set.Names(); !sameNames(got, []string{"a", "b"}) {
		t.Fatalf("Names = %v, want [a b]", got)
	}
	if !set.Has("a") || set.Has("zz") {
		t.Fatal("Has gave wrong membership")
	}
	if got := set.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}

func TestSet_UnionMerge(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First instance persists {a, b}.
	first := newTestIndex(t, dir, nil).Collection("p")
	first.Register("a")
	first.Register("b")
	if err := first.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// A second instance holds {b, c} in memory; the merge must unite
	// both sides in memory and on disk.
	second := newTestIndex(t, dir, nil).Collection("p")
	second.Register("b")
	second.Register("c")
	if err := second.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if got := second.Names(); !sameNames(got, []string{"a", "b", "c"}) {
		t.Fatalf("memory after merge = %v, want [a b c]", got)
	}
	disk, ok := readSetFile(t, dir, "p")
	if !ok || !sameNames(disk, []string{"a", "b", "c"}) {
		t.Fatalf("disk after merge = %v (ok=%v), want [a b c]", disk, ok)
	}
}

func TestSet_MergeSkipsRedundantWrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestIndex(t, dir, nil).Collection("p")
	first.Register("a")
	first.Register("b")
	if err := first.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// Backdate the file so any rewrite is visible through its mtime.
	path := filepath.Join(dir, FileName("p"))
	old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	second := newTestIndex(t, dir, nil).Collection("p")
	second.Register("a")
	if err := second.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.ModTime().Equal(old) {
		t.Fatal("merge rewrote the file although no new names were introduced")
	}

	// A genuinely new name does rewrite.
	second.Register("z")
	if err := second.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	disk, _ := readSetFile(t, dir, "p")
	if !sameNames(disk, []string{"a", "b", "z"}) {
		t.Fatalf("disk = %v, want [a b z]", disk)
	}
}

func TestSet_RemoveSurvivesMerge(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestIndex(t, dir, nil).Collection("p")
	first.Register("a")
	first.Register("b")
	if err := first.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// Removing through a fresh instance must not be undone by the
	// union with the persisted {a, b}.
	second := newTestIndex(t, dir, nil).Collection("p")
	second.Remove("a")
	if err := second.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if got := second.Names(); !sameNames(got, []string{"b"}) {
		t.Fatalf("memory = %v, want [b]", got)
	}
	disk, ok := readSetFile(t, dir, "p")
	if !ok || !sameNames(disk, []string{"b"}) {
		t.Fatalf("disk = %v (ok=%v), want [b]", disk, ok)
	}

	third := newTestIndex(t, dir, nil).Collection("p")
	if third.Has("a") {
		t.Fatal("removed name resurrected on reload")
	}
}

func TestSet_EmptyUnionRemovesFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestIndex(t, dir, nil).Collection("p")
	first.Register("only")
	if err := first.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	second := newTestIndex(t, dir, nil).Collection("p")
	second.Remove("only")
	if err := second.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	exists, err := fsx.Exists(filepath.Join(dir, FileName("p")))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("empty set left its file behind")
	}
}

func TestSet_ClearRemovesFileAndKeepsLaterNames(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	set := newTestIndex(t, dir, nil).Collection("p")
	set.Register("old1")
	set.Register("old2")
	if err := set.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	set.Clear()
	// A name registered after Clear but before the merge survives it.
	set.Register("fresh")
	if err := set.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if got := set.Names(); !sameNames(got, []string{"fresh"}) {
		t.Fatalf("memory = %v, want [fresh]", got)
	}
	disk, ok := readSetFile(t, dir, "p")
	if !ok || !sameNames(disk, []string{"fresh"}) {
		t.Fatalf("disk = %v (ok=%v), want [fresh]", disk, ok)
	}

	// Clear with nothing after it removes the file entirely.
	set.Clear()
	if err := set.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if exists, _ := fsx.Exists(filepath.Join(dir, FileName("p"))); exists {
		t.Fatal("cleared set left its file behind")
	}
}

func TestSet_LazyLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestIndex(t, dir, nil).Collection("p")
	first.Register("persisted")
	if err := first.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// A pure read on a fresh instance sees the persisted names without
	// any merge having run.
	second := newTestIndex(t, dir, nil).Collection("p")
	if !second.Has("persisted") {
		t.Fatal("lazy load missed persisted name")
	}
}

func scrape(t *testing.T, reg *metric.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func TestSet_DebounceCoalescesRegistrations(t *testing.T) {
	dir := t.TempDir()
	clock := sched.NewManualClock()
	reg := metric.NewRegistry()

	set := newTestIndex(t, dir, func(cfg *Config) {
		cfg.Clock = clock
		cfg.Metrics = reg
	}).Collection("p")

	for _, n := range []string{"a", "b", "c"} {
		set.Register(n)
		clock.Advance(10 * time.Millisecond)
	}
	if _, ok := readSetFile(t, dir, "p"); ok {
		t.Fatal("file written before the debounce window elapsed")
	}

	clock.Advance(DefaultMergeDelay)

	disk, ok := readSetFile(t, dir, "p")
	if !ok || !sameNames(disk, []string{"a", "b", "c"}) {
		t.Fatalf("disk = %v (ok=%v), want [a b c]", disk, ok)
	}
	if body := scrape(t, reg); !strings.Contains(body, "keep_subkey_merges_total 1") {
		t.Fatal("expected exactly one merge after the burst")
	}
}

func TestSet_CorruptFileHealedByMerge(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, FileName("p")), []byte{0x01, 0x02}, 0o600); err != nil {
		t.Fatalf("plant corrupt file: %v", err)
	}

	var (
		mu  sync.Mutex
		ops []string
	)
	set := newTestIndex(t, dir, func(cfg *Config) {
		cfg.OnFault = func(op, key string, err error) {
			mu.Lock()
			ops = append(ops, op)
			mu.Unlock()
		}
	}).Collection("p")

	// Reads treat the unreadable file as empty and report once.
	if set.Has("anything") {
		t.Fatal("corrupt file produced members")
	}

	// The next merge overwrites the corrupt file from memory.
	set.Register("healed")
	if err := set.Merge(ctx); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	disk, ok := readSetFile(t, dir, "p")
	if !ok || !sameNames(disk, []string{"healed"}) {
		t.Fatalf("disk = %v (ok=%v), want [healed]", disk, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ops) != 2 || ops[0] != "subkey_load" || ops[1] != "subkey_merge" {
		t.Fatalf("fault ops = %v, want [subkey_load subkey_merge]", ops)
	}
}

func TestIndex_CollectionReuse(t *testing.T) {
	ix := newTestIndex(t, t.TempDir(), nil)

	a := ix.Collection("p")
	b := ix.Collection("p")
	if a != b {
		t.Fatal("same parent produced different sets")
	}

	ix.Collection("q")
	if got := ix.Parents(); !sameNames(got, []string{"p", "q"}) {
		t.Fatalf("Parents = %v, want [p q]", got)
	}
	if got := ix.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestIndex_CloseMergesAll(t *testing.T) {
	dir := t.TempDir()
	ix := newTestIndex(t, dir, nil)

	ix.Collection("p1").Register("a")
	ix.Collection("p2").Register("b")

	if err := ix.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for parent, want := range map[string][]string{"p1": {"a"}, "p2": {"b"}} {
		disk, ok := readSetFile(t, dir, parent)
		if !ok || !sameNames(disk, want) {
			t.Fatalf("disk[%s] = %v (ok=%v), want %v", parent, disk, ok, want)
		}
	}
}
