package async_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brickingsoft/asyncfs/pkg/async"
)

func TestJoin(t *testing.T) {
	promises := make([]async.Promise[int], 0, 10)
	futures := make([]async.Future[int], 0, 10)
	for i := 0; i < 10; i++ {
		p := async.New[int](async.WithTag(uint64(i + 1)))
		promises = append(promises, p)
		futures = append(futures, p.Future())
	}
	joined := async.Join(futures)
	if _, _, ok := joined.Poll(); ok {
		t.Fatal("resolved before its members")
	}

	boom := errors.New("boom")
	for i := len(promises) - 1; i >= 0; i-- {
		if i == 3 {
			promises[i].Fail(boom)
			continue
		}
		promises[i].Succeed(i * i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	results, err := joined.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Error("expected the member failure, got", err)
	}
	for i, r := range results {
		want := i * i
		if i == 3 {
			want = 0
		}
		if r != want {
			t.Errorf("result %d: expected %d, got %d", i, want, r)
		}
	}
}

func TestJoin_Empty(t *testing.T) {
	results, err, ok := async.Join[int](nil).Poll()
	if !ok || err != nil || len(results) != 0 {
		t.Error("empty join must succeed at once:", results, err, ok)
	}
}
