package notifications

import (
	"context"
	"log/slog"

	"reencoder/internal/bus"
	"reencoder/internal/logging"
	"reencoder/internal/store"
)

// VideoLookup resolves a video id to its record. Satisfied by *store.Store.
type VideoLookup interface {
	GetVideo(ctx context.Context, id int64) (*store.Video, error)
}

// Relay forwards terminal failures from the bus to a notification service
// until ctx is cancelled.
func Relay(ctx context.Context, b bus.Bus, svc Service, videos VideoLookup, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "notifications")
	sub, err := b.Subscribe(ctx, bus.TopicFailure)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			event, err := bus.Decode[bus.FailureEvent](msg)
			if err != nil || !event.Terminal {
				continue
			}
			notice := FailureNotice{
				VideoID:  event.VideoID,
				Stage:    event.Stage,
				Category: event.Category,
				Message:  event.Message,
			}
			if videos != nil {
				if video, err := videos.GetVideo(ctx, event.VideoID); err == nil && video != nil {
					notice.Path = video.Path
				}
			}
			if err := svc.NotifyFailure(ctx, notice); err != nil {
				logging.WarnWithContext(logger, "failure notification not delivered", "notification_failed",
					logging.Int64(logging.FieldVideoID, event.VideoID),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
					logging.String(logging.FieldImpact, "failure is still recorded in the store"),
				)
			}
		}
	}
}
