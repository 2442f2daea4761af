//go:build integration

package natsutil

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func natsURL() string {
	if v := os.Getenv("NATS_URL"); v != "" {
		return v
	}
	return nats.DefaultURL
}

func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(natsURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

type job struct {
	ID    string `json:"id"`
	From  string `json:"from"`
	Entry string `json:"entry"`
}

func TestNATS_PubSub(t *testing.T) {
	nc := connectNATS(t)

	ch := make(chan job, 1)
	sub, err := Subscribe(nc, "integ.convert.jobs", func(ctx context.Context, j job) {
		ch <- j
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	want := job{ID: "j1", From: "opendss", Entry: "master.dss"}
	if err := Publish(context.Background(), nc, "integ.convert.jobs", want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job")
	}
}

func TestNATS_RetryHeaderRoundTrip(t *testing.T) {
	nc := connectNATS(t)

	ch := make(chan int, 1)
	sub, err := QueueSubscribe(nc, "integ.convert.retry", "integ-workers",
		func(ctx context.Context, j job, msg *nats.Msg) {
			ch <- Retries(msg)
		})
	if err != nil {
		t.Fatalf("QueueSubscribe: %v", err)
	}
	defer sub.Unsubscribe()

	data, _ := json.Marshal(job{ID: "j2", From: "opendss", Entry: "master.dss"})
	if err := Republish(nc, "integ.convert.retry", data, 2); err != nil {
		t.Fatalf("Republish: %v", err)
	}

	select {
	case got := <-ch:
		if got != 2 {
			t.Fatalf("expected retry count 2, got %d", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for retried job")
	}
}

func TestNATS_Request(t *testing.T) {
	nc := connectNATS(t)

	type status struct {
		System string `json:"system"`
		Done   bool   `json:"done"`
	}

	sub, err := nc.Subscribe("integ.convert.status", func(m *nats.Msg) {
		var j job
		if err := json.Unmarshal(m.Data, &j); err != nil {
			return
		}
		data, _ := json.Marshal(status{System: j.ID, Done: true})
		m.Respond(data)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	got, err := Request[job, status](context.Background(), nc, "integ.convert.status", job{ID: "ckt1"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got.System != "ckt1" || !got.Done {
		t.Fatalf("unexpected status %+v", got)
	}
}
