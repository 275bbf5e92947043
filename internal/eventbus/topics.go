package eventbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicEvent maps an orchestration event kind ("task.completed",
// "workflow.started", ...) onto the events.> hierarchy.
func TopicEvent(kind string) string {
	return fmt.Sprintf("events.%s", kind)
}

// TopicCtl names one control-plane request/reply operation.
func TopicCtl(op string) string {
	return fmt.Sprintf("ctl.%s", op)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsTask     = "events.task.*"
	TopicEventsWorkflow = "events.workflow.*"
	TopicEventsSchedule = "events.schedule.*"
	TopicCtlAll         = "ctl.>"
)
