package watcher

import (
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/soltixdb/pgbalancer/internal/analytics/anomaly"
)

// Window is a FIFO of the most recent latency samples of one device
type Window struct {
	width   int
	samples []float64
}

// NewWindow creates an empty window holding up to width samples
func NewWindow(width int) *Window {
	return &Window{width: width, samples: make([]float64, 0, width)}
}

// Push appends a sample, dropping the oldest one when the window is full
func (w *Window) Push(v float64) {
	w.samples = append(w.samples, v)
	w.trim()
}

// Resize changes the capacity, keeping the newest samples
func (w *Window) Resize(width int) {
	w.width = width
	w.trim()
}

func (w *Window) trim() {
	if over := len(w.samples) - w.width; over > 0 {
		w.samples = append(w.samples[:0], w.samples[over:]...)
	}
}

// Len returns the number of samples held
func (w *Window) Len() int {
	return len(w.samples)
}

// Full reports whether the window holds width samples
func (w *Window) Full() bool {
	return len(w.samples) == w.width
}

// Aggregate returns the window statistics. Partial windows have none.
func (w *Window) Aggregate(osd int) (anomaly.Sample, bool) {
	if !w.Full() || w.width == 0 {
		return anomaly.Sample{}, false
	}
	avg, _ := stats.Mean(w.samples)
	lo, _ := stats.Min(w.samples)
	hi, _ := stats.Max(w.samples)
	return anomaly.Sample{
		OSD:    osd,
		Avg:    avg,
		Min:    lo,
		Max:    hi,
		Latest: w.samples[len(w.samples)-1],
	}, true
}

// Windows holds the latency windows of every device, grouped by class
type Windows struct {
	width   int
	byClass map[string]map[int]*Window
}

// NewWindows creates an empty set of windows of the given width
func NewWindows(width int) *Windows {
	return &Windows{width: width, byClass: make(map[string]map[int]*Window)}
}

// Update appends one sample per device and evicts every device that has
// no sample this time. A device that changed class starts over.
func (ws *Windows) Update(latency map[int]float64, classOf map[int]string, width int) {
	if width != ws.width {
		ws.width = width
		for _, devices := range ws.byClass {
			for _, w := range devices {
				w.Resize(width)
			}
		}
	}

	for class, devices := range ws.byClass {
		for osd := range devices {
			if _, ok := latency[osd]; !ok || classOf[osd] != class {
				delete(devices, osd)
			}
		}
		if len(devices) == 0 {
			delete(ws.byClass, class)
		}
	}

	for osd, v := range latency {
		class := classOf[osd]
		devices, ok := ws.byClass[class]
		if !ok {
			devices = make(map[int]*Window)
			ws.byClass[class] = devices
		}
		w, ok := devices[osd]
		if !ok {
			w = NewWindow(ws.width)
			devices[osd] = w
		}
		w.Push(v)
	}
}

// Samples returns the aggregates of the full windows of class, by device id
func (ws *Windows) Samples(class string) []anomaly.Sample {
	devices := ws.byClass[class]
	out := make([]anomaly.Sample, 0, len(devices))
	for osd, w := range devices {
		if s, ok := w.Aggregate(osd); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OSD < out[j].OSD })
	return out
}

// Classes returns the classes that hold at least one window, sorted
func (ws *Windows) Classes() []string {
	out := make([]string, 0, len(ws.byClass))
	for class := range ws.byClass {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of windows of class
func (ws *Windows) Len(class string) int {
	return len(ws.byClass[class])
}

// Drop discards the window of one device
func (ws *Windows) Drop(osd int) {
	for _, devices := range ws.byClass {
		delete(devices, osd)
	}
}

// Clear discards every window
func (ws *Windows) Clear() {
	ws.byClass = make(map[string]map[int]*Window)
}
