package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishToTypedSubscriber(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(4, EventServerState)

	hub.EmitServerState(ServerStateData{ServerID: "s1", State: "running"})

	select {
	case e := <-ch:
		if e.Type != EventServerState {
			t.Errorf("Type = %s, want %s", e.Type, EventServerState)
		}
		data, ok := e.Data.(ServerStateData)
		if !ok || data.ServerID != "s1" {
			t.Errorf("unexpected data: %#v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(4, EventNodeConnected)

	hub.EmitConsoleOutput(ConsoleOutputData{ServerID: "s1", Data: "hi"})

	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGlobalSubscriberSeesEverything(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(8)

	hub.EmitNodeConnected("n1", "10.0.0.1:8443")
	hub.EmitNodeDisconnected("n1")

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered to global subscriber", i)
		}
	}
}

func TestFullSubscriberDropsNotBlocks(t *testing.T) {
	hub := NewHub()
	hub.Subscribe(1, EventServerState) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.EmitServerState(ServerStateData{ServerID: "s1", State: "running"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}

	_, dropped := hub.Stats()
	if dropped == 0 {
		t.Error("expected drops recorded")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	hub := NewHub()
	hub.Subscribe(1, EventServerState) // never drained, forces the drop path

	const workers = 4
	const perWorker = 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				hub.EmitServerState(ServerStateData{ServerID: "s1", State: "running"})
			}
		}()
	}
	wg.Wait()

	published, _ := hub.Stats()
	if published != workers*perWorker {
		t.Errorf("published = %d, want %d", published, workers*perWorker)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(4, EventServerState)
	hub.Unsubscribe(ch)

	hub.EmitServerState(ServerStateData{ServerID: "s1", State: "stopped"})

	select {
	case e := <-ch:
		t.Fatalf("received after unsubscribe: %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
