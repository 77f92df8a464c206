package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/tomyedwab/tangram/types"
)

const (
	// TopicCreated is published whenever a process becomes enqueued.
	TopicCreated = "processes.created"
	// TopicWatchdog is published on every cancellation attempt.
	TopicWatchdog = "processes.watchdog"
	// TopicStatus is published on every status change of any process.
	TopicStatus = "processes.status"

	GroupDispatch = "dispatch"
	GroupWatchdog = "watchdog"
)

// StatusTopic is the per-process status channel that waiters subscribe to.
func StatusTopic(id string) string {
	return "processes." + id + ".status"
}

// ProcessMessage is the payload of the created and watchdog topics.
type ProcessMessage struct {
	ID string `cbor:"1,keyasint"`
}

// StatusMessage is the payload of the status topics.
type StatusMessage struct {
	ID     string              `cbor:"1,keyasint"`
	Status types.ProcessStatus `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bus: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("bus: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a payload with deterministic CBOR.
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode deserializes a CBOR payload into v.
func Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// PublishProcess publishes a ProcessMessage on topic.
func PublishProcess(ctx context.Context, b Bus, topic, id string) error {
	payload, err := Encode(ProcessMessage{ID: id})
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// PublishStatus announces a status change on both the global status topic
// and the process's own status topic. Failures are logged, not returned.
func PublishStatus(ctx context.Context, b Bus, logger *slog.Logger, id string, status types.ProcessStatus) {
	payload, err := Encode(StatusMessage{ID: id, Status: status})
	if err != nil {
		logger.Error("Failed to encode status message", "id", id, "error", err)
		return
	}
	for _, topic := range []string{StatusTopic(id), TopicStatus} {
		if err := b.Publish(ctx, topic, payload); err != nil {
			logger.Warn("Failed to publish status change", "id", id, "topic", topic, "error", err)
		}
	}
}
