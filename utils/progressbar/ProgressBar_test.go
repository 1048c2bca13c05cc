package progressbar

import (
	"strings"
	"testing"
	"time"
)

func TestRender(t *testing.T) {
	p := NewProgressBar(4, 8, time.Second, false)

	half := p.render(4, 3*time.Second)
	if !strings.Contains(half, "50.00%") {
		t.Errorf("half-way render %q missing percentage", half)
	}
	if !strings.Contains(half, "██  ") {
		t.Errorf("half-way render %q not half filled", half)
	}

	full := p.render(8, time.Minute)
	if !strings.Contains(full, "100.00%") || strings.Contains(full, "█ ") {
		t.Errorf("complete render %q not fully filled", full)
	}
}

func TestIncrementNeverBlocks(t *testing.T) {
	p := NewProgressBar(10, 2, time.Second, false)
	// No display goroutine is draining; extra increments past max must
	// still return immediately
	for i := 0; i < 10; i++ {
		p.Increment()
	}
	p.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	p := NewProgressBar(10, 5, time.Millisecond, true)
	p.Display()
	p.Increment()
	p.Close()
	p.Close()
}
