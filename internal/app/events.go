package app

import "sync"

// EventType identifies session events.
type EventType int

const (
	EventFrameReceived EventType = iota
	EventReflectanceUpdated
	EventRastersChanged
	EventClassified
	EventAlignmentComplete
	EventHomographiesLoaded
	EventCalibrationChanged
	EventModelLoaded
	EventCameraConnected
	EventExposureChanged
	EventWarning
)

var eventNames = map[EventType]string{
	EventFrameReceived:      "frame_received",
	EventReflectanceUpdated: "reflectance_updated",
	EventRastersChanged:     "rasters_changed",
	EventClassified:         "classified",
	EventAlignmentComplete:  "alignment_complete",
	EventHomographiesLoaded: "homographies_loaded",
	EventCalibrationChanged: "calibration_changed",
	EventModelLoaded:        "model_loaded",
	EventCameraConnected:    "camera_connected",
	EventExposureChanged:    "exposure_changed",
	EventWarning:            "warning",
}

func (e EventType) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return "unknown"
}

// Warning is the payload of EventWarning. Key identifies the condition,
// e.g. "reflectance:zero_exposure:2" or "homography:3".
type Warning struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// Bus dispatches events to listeners synchronously, in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[EventType][]EventListener)}
}

// On registers an event listener for the specified event type.
func (b *Bus) On(event EventType, listener EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], listener)
}

// Emit triggers all listeners for the specified event type.
func (b *Bus) Emit(event EventType, data interface{}) {
	b.mu.RLock()
	listeners := b.listeners[event]
	b.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}
