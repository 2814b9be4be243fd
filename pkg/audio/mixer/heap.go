// Package mixer provides a software [audio.Output]: a sample-accurate
// playback clock on which decoded buffers are scheduled, mixed together and
// rendered as 16-bit PCM to an [io.Writer].
//
// The clock is the number of frames rendered so far. A render loop advances it
// in real time; tests can drive it explicitly with [WithManualClock] and
// [Output.Advance].
package mixer

// voiceHeap is a min-heap of voices waiting for their start frame, ordered by
// start (ascending) with scheduling order as tie-break.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push is called by [container/heap.Push].
func (h *voiceHeap) Push(x any) {
	*h = append(*h, x.(*voice))
}

// Pop is called by [container/heap.Pop].
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}
