package export

import (
	"log"
	"sync"
)

// BatchReadyEvent announces a completed six-hour batch export.
type BatchReadyEvent struct {
	BatchID     string   `json:"batch_id"`
	FilePaths   []string `json:"file_paths"`
	RecordCount int      `json:"record_count"`
	Mean        float64  `json:"mean"`
	Min         float64  `json:"min"`
	Max         float64  `json:"max"`
}

// Listener receives batch export notifications.
type Listener interface {
	OnBatchExport(event BatchReadyEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(event BatchReadyEvent)

// OnBatchExport calls the function.
func (f ListenerFunc) OnBatchExport(event BatchReadyEvent) { f(event) }

// Notifier fans out batch export events to registered listeners,
// fire-and-forget: a slow or panicking listener never blocks or fails
// the export job.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Register adds a listener.
func (n *Notifier) Register(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Notify delivers the event to every listener on its own goroutine.
func (n *Notifier) Notify(event BatchReadyEvent) {
	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		go func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Batch export listener panicked: %v", r)
				}
			}()
			l.OnBatchExport(event)
		}(l)
	}
}
