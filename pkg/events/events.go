// Package events carries notifications about video lists, results and peers to whoever
// presents them (UI, status API, logs).
package events

import (
	"time"

	"github.com/psantana5/edgedash/pkg/models"
)

// Kind identifies an event type
type Kind string

const (
	KindVideoAdded         Kind = "video_added"
	KindVideoRemoved       Kind = "video_removed"
	KindVideoRemovedByName Kind = "video_removed_by_name"
	KindResultAdded        Kind = "result_added"
	KindEndpointsChanged   Kind = "endpoints_changed"
)

// List names a presentation list a video can be shown in
type List string

const (
	ListRaw        List = "raw"
	ListProcessing List = "processing"
)

// Event is one notification. Content is set for added/removed videos and results,
// Name for removals by name.
type Event struct {
	Kind    Kind            `json:"kind"`
	List    List            `json:"list,omitempty"`
	Content *models.Content `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
	Time    time.Time       `json:"time"`
}

// Bus accepts events. Publishing never blocks and never fails.
type Bus interface {
	Publish(Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Bus that drops every event
var Discard Bus = discard{}

// VideoAdded builds a KindVideoAdded event
func VideoAdded(list List, video models.Content) Event {
	return Event{Kind: KindVideoAdded, List: list, Content: &video, Time: time.Now()}
}

// VideoRemoved builds a KindVideoRemoved event
func VideoRemoved(list List, video models.Content) Event {
	return Event{Kind: KindVideoRemoved, List: list, Content: &video, Time: time.Now()}
}

// VideoRemovedByName builds a KindVideoRemovedByName event
func VideoRemovedByName(list List, name string) Event {
	return Event{Kind: KindVideoRemovedByName, List: list, Name: name, Time: time.Now()}
}

// ResultAdded builds a KindResultAdded event
func ResultAdded(result models.Content) Event {
	return Event{Kind: KindResultAdded, Content: &result, Time: time.Now()}
}

// EndpointsChanged builds a KindEndpointsChanged event
func EndpointsChanged() Event {
	return Event{Kind: KindEndpointsChanged, Time: time.Now()}
}
