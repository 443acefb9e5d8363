package budget

import (
	"errors"
	"sync"
	"testing"
)

func TestDeductAndRefund(t *testing.T) {
	l := NewLedger()
	l.Grant("ag_1", FromFloat(10))

	if err := l.Deduct("ag_1", FromFloat(4)); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if got := l.Available("ag_1"); got != FromFloat(6) {
		t.Fatalf("available = %s, want 6", got)
	}
	if err := l.Refund("ag_1", FromFloat(4)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := l.Available("ag_1"); got != FromFloat(10) {
		t.Fatalf("available after refund = %s, want 10", got)
	}
	if got := l.Spent("ag_1"); got != 0 {
		t.Fatalf("net spent after refund = %s, want 0", got)
	}
}

func TestDeductNeverOverdraws(t *testing.T) {
	l := NewLedger()
	l.Grant("ag_1", FromFloat(5))

	err := l.Deduct("ag_1", FromFloat(5.000001))
	if !errors.Is(err, ErrInsufficient) {
		t.Fatalf("err = %v, want ErrInsufficient", err)
	}
	// Failed deduction leaves the balance untouched.
	if got := l.Available("ag_1"); got != FromFloat(5) {
		t.Fatalf("available = %s, want 5", got)
	}
}

func TestDeductUnknownAgent(t *testing.T) {
	l := NewLedger()
	if err := l.Deduct("ag_never", 1); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestConcurrentDeductions(t *testing.T) {
	l := NewLedger()
	l.Grant("ag_1", 1000)

	var wg sync.WaitGroup
	var okCount sync.Map
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Deduct("ag_1", 25); err == nil {
				okCount.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	okCount.Range(func(_, _ any) bool { succeeded++; return true })
	if succeeded != 40 {
		t.Fatalf("successful deductions = %d, want exactly 40", succeeded)
	}
	if got := l.Available("ag_1"); got != 0 {
		t.Fatalf("available = %s, want 0", got)
	}
}

func TestMicrosRounding(t *testing.T) {
	if got := FromFloat(1.2345678); got != 1234568 {
		t.Fatalf("FromFloat = %d, want 1234568", got)
	}
	if got := Micros(1500000).Float(); got != 1.5 {
		t.Fatalf("Float = %v, want 1.5", got)
	}
}
