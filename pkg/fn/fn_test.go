package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
)

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
}

func TestErrf(t *testing.T) {
	r := Errf[string]("code %d", 404)
	_, err := r.Unwrap()
	if err == nil || err.Error() != "code 404" {
		t.Fatal("Errf wrong message")
	}
}

func TestMustPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Must should panic on Err")
		}
	}()
	Err[int](errors.New("boom")).Must()
}

func TestUnwrapOr(t *testing.T) {
	if Ok(1).UnwrapOr(9) != 1 {
		t.Fatal("should return value")
	}
	if Err[int](errors.New("x")).UnwrapOr(9) != 9 {
		t.Fatal("should return fallback")
	}
}

func TestMapResult(t *testing.T) {
	r := MapResult(Ok(2), func(v int) string { return strconv.Itoa(v * 3) })
	if r.Must() != "6" {
		t.Fatal("MapResult failed")
	}
	e := MapResult(Err[int](errors.New("x")), func(v int) string { return "never" })
	if e.IsOk() {
		t.Fatal("MapResult on Err should stay Err")
	}
}

func TestFromPair(t *testing.T) {
	if FromPair(5, nil).Must() != 5 {
		t.Fatal("FromPair ok failed")
	}
	if FromPair(0, errors.New("x")).IsOk() {
		t.Fatal("FromPair err should be err")
	}
}

func TestCollect(t *testing.T) {
	r := Collect([]Result[int]{Ok(1), Ok(2), Ok(3)})
	vs := r.Must()
	if len(vs) != 3 || vs[2] != 3 {
		t.Fatal("Collect ok failed")
	}
	e := Collect([]Result[int]{Ok(1), Err[int](errors.New("x"))})
	if e.IsOk() {
		t.Fatal("Collect with a failure should be Err")
	}
}

// --- Pipeline ---

func TestThenChainsStages(t *testing.T) {
	parse := func(ctx context.Context, s string) Result[int] {
		return FromPair(strconv.Atoi(s))
	}
	double := func(ctx context.Context, v int) Result[int] {
		return Ok(v * 2)
	}
	run := Then(Stage[string, int](parse), Stage[int, int](double))

	v, err := run(context.Background(), "21").Unwrap()
	if err != nil || v != 42 {
		t.Fatalf("want 42, got %d err %v", v, err)
	}
	if _, err := run(context.Background(), "nope").Unwrap(); err == nil {
		t.Fatal("parse failure should propagate")
	}
}

func TestPipelineShortCircuits(t *testing.T) {
	var ran int32
	inc := func(ctx context.Context, v int) Result[int] {
		atomic.AddInt32(&ran, 1)
		return Ok(v + 1)
	}
	boom := func(ctx context.Context, v int) Result[int] {
		return Err[int](errors.New("boom"))
	}
	run := Pipeline[int](inc, boom, inc)

	if _, err := run(context.Background(), 0).Unwrap(); err == nil {
		t.Fatal("expected failure")
	}
	if ran != 1 {
		t.Fatalf("later stage should not run, ran=%d", ran)
	}
}

func TestMapStage(t *testing.T) {
	s := MapStage(func(v int) string { return strconv.Itoa(v) })
	if s(context.Background(), 7).Must() != "7" {
		t.Fatal("MapStage failed")
	}
}

func TestTracedStagePassesThrough(t *testing.T) {
	s := TracedStage("test.stage", func(ctx context.Context, v int) Result[int] {
		return Ok(v + 1)
	})
	if s(context.Background(), 1).Must() != 2 {
		t.Fatal("traced stage changed the value")
	}
	f := TracedStage("test.fail", func(ctx context.Context, v int) Result[int] {
		return Err[int](errors.New("x"))
	})
	if f(context.Background(), 1).IsOk() {
		t.Fatal("traced stage swallowed the error")
	}
}

// --- Slices ---

func TestMapFilter(t *testing.T) {
	doubled := Map([]int{1, 2, 3}, func(v int) int { return v * 2 })
	if len(doubled) != 3 || doubled[2] != 6 {
		t.Fatal("Map failed")
	}
	evens := Filter([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	if len(evens) != 2 || evens[0] != 2 {
		t.Fatal("Filter failed")
	}
}

func TestGroupBy(t *testing.T) {
	groups := GroupBy([]string{"aa", "b", "cc", "d"}, func(s string) int { return len(s) })
	if len(groups[1]) != 2 || len(groups[2]) != 2 {
		t.Fatal("GroupBy failed")
	}
}

func TestUnique(t *testing.T) {
	u := Unique([]int{1, 2, 1, 3, 2})
	if len(u) != 3 || u[0] != 1 || u[1] != 2 || u[2] != 3 {
		t.Fatal("Unique should dedupe preserving first occurrence")
	}
}

func TestSortedKeys(t *testing.T) {
	ks := SortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	if len(ks) != 3 || ks[0] != "a" || ks[2] != "c" {
		t.Fatal("SortedKeys not sorted")
	}
}

// --- Parallel ---

func TestParMapPreservesOrder(t *testing.T) {
	in := make([]int, 100)
	for i := range in {
		in[i] = i
	}
	out := ParMap(in, 8, func(v int) int { return v * v })
	for i, v := range out {
		if v != i*i {
			t.Fatalf("out[%d] = %d", i, v)
		}
	}
}

func TestParMapResultMixed(t *testing.T) {
	out := ParMapResult([]int{1, -1, 2}, 2, func(v int) Result[int] {
		if v < 0 {
			return Err[int](errors.New("negative"))
		}
		return Ok(v * 10)
	})
	if out[0].Must() != 10 || out[2].Must() != 20 {
		t.Fatal("ok results misplaced")
	}
	if out[1].IsOk() {
		t.Fatal("error result lost")
	}
}

func TestParMapZeroWorkersUsesLen(t *testing.T) {
	out := ParMap([]int{1, 2}, 0, func(v int) int { return v + 1 })
	if out[0] != 2 || out[1] != 3 {
		t.Fatal("zero workers should still process everything")
	}
}

func TestParMapEmptyInput(t *testing.T) {
	if got := ParMap([]int{}, 4, func(v int) int { return v }); len(got) != 0 {
		t.Fatal("empty in, empty out")
	}
}
