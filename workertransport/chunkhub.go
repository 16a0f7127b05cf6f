package workertransport

import "sync"

// ChunkMessage is one streaming chunk reported by a remote worker against
// a job's output port.
type ChunkMessage struct {
	Port string `json:"port"`
	Seq  int    `json:"seq"`
	Data any    `json:"data"`
}

// ChunkListener receives chunks published against one job ID. Must not
// block.
type ChunkListener func(ChunkMessage)

// chunkHub fans published chunks out to local subscribers, keyed by job
// ID. Grounded on queuestore.Storage's SubscribeToChanges shape
// (register callback, get back an unsubscribe func) generalized from
// queue-wide job mutations to per-job chunk delivery.
type chunkHub struct {
	mu   sync.Mutex
	subs map[string][]ChunkListener
}

func newChunkHub() *chunkHub {
	return &chunkHub{subs: map[string][]ChunkListener{}}
}

// Subscribe registers l against jobID and returns a func that removes it.
func (h *chunkHub) Subscribe(jobID string, l ChunkListener) (unsubscribe func()) {
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], l)
	idx := len(h.subs[jobID]) - 1
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		ls := h.subs[jobID]
		if idx >= len(ls) {
			return
		}
		ls[idx] = nil
	}
}

func (h *chunkHub) publish(jobID string, msg ChunkMessage) {
	h.mu.Lock()
	ls := append([]ChunkListener(nil), h.subs[jobID]...)
	h.mu.Unlock()

	for _, l := range ls {
		if l != nil {
			l(msg)
		}
	}
}

// forget drops every subscriber registered against jobID, called after a
// remote worker reports the job completed, failed (retryable or not) or
// aborted.
func (h *chunkHub) forget(jobID string) {
	h.mu.Lock()
	delete(h.subs, jobID)
	h.mu.Unlock()
}
