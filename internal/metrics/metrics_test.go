package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"wireclip/sync/internal/codec"
	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/hub"
	"wireclip/sync/internal/model"
	"wireclip/sync/internal/transportfake"
)

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(label).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func roomsActiveValue(t *testing.T) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := roomsActive.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestSamplePublishesRoomGauges(t *testing.T) {
	net := transportfake.NewNetwork()
	hubTr := transportfake.NewPeer(net, "hub-1")
	peerTr := transportfake.NewPeer(net, "peer-1")

	h := hub.New(hubTr, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Serve(ctx, "/y-sync/1.0.0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	stream, err := peerTr.OpenStream(ctx, "hub-1", "/y-sync/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	room := model.RoomId("room-0123456789abcdef")
	codec.WriteMessage(stream, codec.TagJoinRoom, []byte(room))

	doc := crdt.New()
	doc.ApplyChat(model.ChatMessage{MsgId: "m1", From: "peer-1", Body: "hi"})
	snap, err := doc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := codec.WriteMessage(stream, codec.TagYUpdate, snap); err != nil {
		t.Fatalf("send Y_UPDATE: %v", err)
	}
	stream.Close()

	c := NewCollector(h, nil)
	deadline := time.After(2 * time.Second)
	for {
		c.sample()
		if gaugeValue(t, roomChatMessages, string(room)) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("chat message never reflected in gauges")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := roomsActiveValue(t); got != 1 {
		t.Fatalf("roomsActive = %v, want 1", got)
	}
}
