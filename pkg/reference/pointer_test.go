package reference_test

import (
	"testing"

	"github.com/brickingsoft/asyncfs/pkg/reference"
)

type closer struct {
	closed int
}

func (c *closer) Close() error {
	c.closed++
	return nil
}

func TestPointer(t *testing.T) {
	c := &closer{}
	p := reference.Make(c)
	if _, ok := p.Pin(); !ok {
		t.Fatal("pin failed")
	}
	if p.Count() != 2 {
		t.Error("expected 2 references, got", p.Count())
	}
	_ = p.Close()
	if c.closed != 0 {
		t.Error("closed while referenced")
	}
	_ = p.Close()
	if c.closed != 1 || !p.Closed() {
		t.Error("expected closed once, got", c.closed)
	}
	if _, ok := p.Pin(); ok {
		t.Error("pin after close must fail")
	}
}
