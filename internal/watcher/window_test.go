package watcher

import "testing"

func TestWindow_PushAndAggregate(t *testing.T) {
	w := NewWindow(3)
	w.Push(10)
	w.Push(20)
	if _, ok := w.Aggregate(1); ok {
		t.Fatal("partial window must not aggregate")
	}
	w.Push(30)
	w.Push(40)

	if w.Len() != 3 || !w.Full() {
		t.Fatalf("expected a full window of 3, got %d", w.Len())
	}
	s, ok := w.Aggregate(7)
	if !ok {
		t.Fatal("expected an aggregate")
	}
	if s.OSD != 7 || s.Avg != 30 || s.Min != 20 || s.Max != 40 || s.Latest != 40 {
		t.Errorf("unexpected aggregate %+v", s)
	}
}

func TestWindow_Resize(t *testing.T) {
	w := NewWindow(4)
	for _, v := range []float64{1, 2, 3, 4} {
		w.Push(v)
	}
	w.Resize(2)
	s, ok := w.Aggregate(0)
	if !ok || s.Min != 3 || s.Latest != 4 {
		t.Errorf("expected the newest two samples kept, got %+v", s)
	}

	w.Resize(3)
	if w.Full() {
		t.Error("grown window must wait for new samples")
	}
}

func TestWindows_Update(t *testing.T) {
	ws := NewWindows(2)
	classOf := map[int]string{0: "hdd", 1: "hdd", 2: "ssd"}
	ws.Update(map[int]float64{0: 1, 1: 2, 2: 3}, classOf, 2)
	ws.Update(map[int]float64{0: 1, 1: 2, 2: 3}, classOf, 2)

	if got := len(ws.Samples("hdd")); got != 2 {
		t.Fatalf("expected 2 hdd samples, got %d", got)
	}
	if classes := ws.Classes(); len(classes) != 2 || classes[0] != "hdd" {
		t.Errorf("unexpected classes %v", classes)
	}

	// osd.1 disappears, osd.2 changes class
	ws.Update(map[int]float64{0: 1, 2: 3}, map[int]string{0: "hdd", 2: "hdd"}, 2)
	if ws.Len("hdd") != 2 || ws.Len("ssd") != 0 {
		t.Errorf("expected two hdd windows and no ssd, got %d/%d", ws.Len("hdd"), ws.Len("ssd"))
	}
	samples := ws.Samples("hdd")
	if len(samples) != 1 || samples[0].OSD != 0 {
		t.Errorf("only osd.0 has a full window, got %+v", samples)
	}

	ws.Drop(0)
	if ws.Len("hdd") != 1 {
		t.Errorf("expected osd.0 dropped, got %d windows", ws.Len("hdd"))
	}
	ws.Clear()
	if len(ws.Classes()) != 0 {
		t.Error("expected no windows after Clear")
	}
}
