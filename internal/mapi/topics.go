package mapi

// PeerID identifies one application instance on the bus.
type PeerID string

// Topic is a static bus routing key; it doubles as the command name.
type Topic string

const (
	TopicRequestActive Topic = "flame/avsim/mapi_request_active"
	TopicNotifyActive  Topic = "flame/avsim/mapi_notify_active"
	TopicManager       Topic = "flame/avsim/manager"

	TopicCamRecordStart  Topic = "flame/avsim/cam/mapi_record_start"
	TopicCamRecordStop   Topic = "flame/avsim/cam/mapi_record_stop"
	TopicCamCaptureImage Topic = "flame/avsim/cam/mapi_capture_image"

	TopicNeonRecordStart Topic = "flame/avsim/neon/mapi_record_start"
	TopicNeonRecordStop  Topic = "flame/avsim/neon/mapi_record_stop"
)

func (t Topic) String() string { return string(t) }
