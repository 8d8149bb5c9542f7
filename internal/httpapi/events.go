package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultStreamHeartbeat = 25 * time.Second
	streamReadyEventName   = "ready"

	logEventStreamEvent        = "stream_event"
	logEventMarshalEventFailed = "marshal_stream_event_failed"
)

// EventStreamHandlers serves server-sent events for the signed-in user.
type EventStreamHandlers struct {
	services  Services
	heartbeat time.Duration
}

// NewEventStreamHandlers builds the stream handlers. A non-positive heartbeat uses the default.
func NewEventStreamHandlers(services Services, heartbeat time.Duration) *EventStreamHandlers {
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}
	return &EventStreamHandlers{services: services, heartbeat: heartbeat}
}

func (handlers *EventStreamHandlers) Stream(ginContext *gin.Context) {
	currentUser, ok := CurrentUserFromContext(ginContext)
	if !ok {
		ginContext.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	if handlers.services.Events == nil {
		ginContext.JSON(http.StatusServiceUnavailable, gin.H{jsonKeyError: errorValueStreamUnavailable})
		return
	}
	flusher, flushable := ginContext.Writer.(http.Flusher)
	if !flushable {
		ginContext.JSON(http.StatusServiceUnavailable, gin.H{jsonKeyError: errorValueStreamUnavailable})
		return
	}
	subscription := handlers.services.Events.Subscribe(currentUser.User.ID, currentUser.IsAdmin)
	if subscription == nil {
		ginContext.JSON(http.StatusServiceUnavailable, gin.H{jsonKeyError: errorValueStreamUnavailable})
		return
	}
	defer subscription.Close()

	ginContext.Header("Content-Type", "text/event-stream")
	ginContext.Header("Cache-Control", "no-cache")
	ginContext.Header("Connection", "keep-alive")
	ginContext.Header("X-Accel-Buffering", "no")
	ginContext.Writer.WriteHeaderNow()

	if !writeStreamFrame(ginContext, streamReadyEventName, []byte(`{}`)) {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(handlers.heartbeat)
	defer heartbeat.Stop()
	requestContext := ginContext.Request.Context()

	for {
		select {
		case <-requestContext.Done():
			return
		case <-heartbeat.C:
			if _, writeErr := ginContext.Writer.WriteString(": keepalive\n\n"); writeErr != nil {
				return
			}
			flusher.Flush()
		case event, open := <-subscription.Events():
			if !open {
				return
			}
			serializedPayload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				handlers.services.logger().Debug(logEventMarshalEventFailed, zap.Error(marshalErr))
				continue
			}
			if !writeStreamFrame(ginContext, event.Kind, serializedPayload) {
				return
			}
			flusher.Flush()
			handlers.services.logger().Debug(logEventStreamEvent,
				zap.String("kind", event.Kind),
				zap.String("user_id", currentUser.User.ID),
			)
		}
	}
}

func writeStreamFrame(ginContext *gin.Context, eventName string, payload []byte) bool {
	var buffer bytes.Buffer
	buffer.WriteString("event: ")
	buffer.WriteString(eventName)
	buffer.WriteString("\n")
	buffer.WriteString("data: ")
	buffer.Write(payload)
	buffer.WriteString("\n\n")
	_, writeErr := ginContext.Writer.Write(buffer.Bytes())
	return writeErr == nil
}
