package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"telegram-random-image-bot/imagestore"
	"telegram-random-image-bot/lolicon"
	"telegram-random-image-bot/stats"
)

const reclaimTimeout = 10 * time.Second

type ImageSource interface {
	RandomImage(ctx context.Context) (lolicon.Descriptor, error)
}

type ImageStore interface {
	Persist(ctx context.Context, sourceURL, filename string) error
	Reclaim(ctx context.Context, filename string) (bool, error)
	Drain(ctx context.Context) (processed, reclaimed int)
	Path(filename string) string
}

// photoSender hands a persisted file to the chat. The file may be deleted as
// soon as it returns.
type photoSender func(ctx context.Context, path string, image lolicon.Descriptor) error

type outcome int

const (
	outcomeSent outcome = iota
	outcomeNoImage
	outcomeBadUpstream
	outcomeSourceFailed
	outcomeBusy
	outcomeFetchFailed
	outcomeSendFailed
	outcomeCleanupFailed
	outcomeInternalError
)

const ackReply = "Ahem. Bold request. Looking for something..."

func (o outcome) Reply() string {
	switch o {
	case outcomeSent:
		return "Here you go."
	case outcomeNoImage:
		return "No image available right now."
	case outcomeBadUpstream:
		return "The image source answered with something unusable."
	case outcomeSourceFailed:
		return "The image source is unreachable. Try again later."
	case outcomeBusy:
		return "Too many requests at the moment. Try again in a minute."
	case outcomeFetchFailed:
		return "Failed to download the image."
	case outcomeSendFailed:
		return "Could not deliver the image."
	case outcomeCleanupFailed:
		return "Image delivered, but it was not cleaned up."
	default:
		return "Error occurred while processing the request. Contact the administrator."
	}
}

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeNoImage:
		return "no-image"
	case outcomeBadUpstream:
		return "bad-upstream"
	case outcomeSourceFailed:
		return "source-failed"
	case outcomeBusy:
		return "busy"
	case outcomeFetchFailed:
		return "fetch-failed"
	case outcomeSendFailed:
		return "send-failed"
	case outcomeCleanupFailed:
		return "cleanup-failed"
	default:
		return "internal-error"
	}
}

// delivery runs source -> persist -> send -> reclaim for a single trigger.
type delivery struct {
	source       ImageSource
	store        ImageStore
	stats        *stats.Stats
	reclaimGrace time.Duration
}

func (d *delivery) run(ctx context.Context, send photoSender) outcome {
	log := slog.With("request_id", uuid.NewString())

	image, err := d.source.RandomImage(ctx)
	if err != nil {
		return d.sourceOutcome(log, err)
	}

	log = log.With("filename", image.Filename)

	if err := d.store.Persist(ctx, image.URL, image.Filename); err != nil {
		cause := "io"
		if errors.Is(err, imagestore.ErrNetwork) {
			cause = "network"
		}
		log.Error("delivery: Cannot save image", "cause", cause, "error", err)
		d.stats.FetchFailure()

		// a failed persist leaves nothing behind, so there is nothing to reclaim
		return outcomeFetchFailed
	}

	if err := send(ctx, d.store.Path(image.Filename), image); err != nil {
		log.Warn("delivery: Send failed", "error", err)
		sentry.CaptureException(err)
		d.stats.SendFailure()

		d.reclaim(ctx, log, image.Filename)

		return outcomeSendFailed
	}

	log.Info("delivery: Image sent")
	d.stats.ImageSent()

	d.waitGrace(ctx)

	if !d.reclaim(ctx, log, image.Filename) {
		d.stats.CleanupFailure()

		return outcomeCleanupFailed
	}

	return outcomeSent
}

func (d *delivery) sourceOutcome(log *slog.Logger, err error) outcome {
	switch {
	case errors.Is(err, lolicon.ErrNoImage):
		log.Info("delivery: No image available", "error", err)
		d.stats.NoImageAvailable()

		return outcomeNoImage
	case errors.Is(err, lolicon.ErrRateLimited):
		log.Warn("delivery: Image source rate limited", "error", err)
		d.stats.BusyRejection()

		return outcomeBusy
	case errors.Is(err, lolicon.ErrMalformedResponse):
		log.Error("delivery: Unusable image source response", "error", err)
		sentry.CaptureException(err)
		d.stats.SourceFailure()

		return outcomeBadUpstream
	default:
		log.Error("delivery: Image source request failed", "error", err)
		d.stats.SourceFailure()

		return outcomeSourceFailed
	}
}

// reclaim runs detached from ctx cancellation so an expired request deadline
// does not leave the file behind.
func (d *delivery) reclaim(ctx context.Context, log *slog.Logger, filename string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reclaimTimeout)
	defer cancel()

	ok, err := d.store.Reclaim(ctx, filename)
	if err != nil {
		log.Error("delivery: Cannot reclaim image", "error", err)

		return false
	}

	return ok
}

func (d *delivery) waitGrace(ctx context.Context) {
	if d.reclaimGrace <= 0 {
		return
	}

	timer := time.NewTimer(d.reclaimGrace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
