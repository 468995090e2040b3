package outbox_test

import (
	"errors"
	"sync"
	"testing"

	"ppgstream/pkg/command"
	"ppgstream/pkg/outbox"
)

func TestDrainKeepsPushOrder(t *testing.T) {
	o := outbox.New(0)
	want := []command.Command{
		{Kind: command.SampleRate, Payload: 0x04},
		{Kind: command.RedLEDPA, Payload: 0x80},
		{Kind: command.Reboot, Payload: 1},
	}
	for _, cmd := range want {
		if err := o.Push(cmd); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	got := o.Drain()
	if len(got) != len(want) {
		t.Fatalf("unexpected drain length: %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d: got %v want %v", i, got[i], want[i])
		}
	}
	if o.Len() != 0 || o.Drain() != nil {
		t.Fatalf("outbox should be empty after drain")
	}
}

func TestFlushDiscards(t *testing.T) {
	o := outbox.New(0)
	_ = o.Push(command.Command{Kind: command.NoOp})
	_ = o.Push(command.Command{Kind: command.NoOp})
	if n := o.Flush(); n != 2 {
		t.Fatalf("unexpected flush count: %d", n)
	}
	if o.Len() != 0 {
		t.Fatalf("unexpected len after flush: %d", o.Len())
	}
}

func TestPushLimit(t *testing.T) {
	o := outbox.New(1)
	if err := o.Push(command.Command{Kind: command.NoOp}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := o.Push(command.Command{Kind: command.NoOp}); !errors.Is(err, outbox.ErrFull) {
		t.Fatalf("expected full, got %v", err)
	}
}

func TestNotifyAfterPush(t *testing.T) {
	o := outbox.New(0)
	select {
	case <-o.Notify():
		t.Fatalf("unexpected wake before push")
	default:
	}
	_ = o.Push(command.Command{Kind: command.NoOp})
	_ = o.Push(command.Command{Kind: command.NoOp})
	select {
	case <-o.Notify():
	default:
		t.Fatalf("expected wake after push")
	}
}

func TestConcurrentProducers(t *testing.T) {
	o := outbox.New(0)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = o.Push(command.Command{Kind: command.IRLEDPA, Payload: byte(p)})
			}
		}(p)
	}

	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		total += len(o.Drain())
		select {
		case <-done:
			total += len(o.Drain())
			if total != 800 {
				t.Fatalf("drained %d commands, want 800", total)
			}
			return
		default:
		}
	}
}
