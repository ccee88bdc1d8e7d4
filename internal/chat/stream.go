package chat

import (
	"context"
	"errors"
	"io"
	"iter"
	"slices"

	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// readSize is the chunk size used when reading a stream body.
const readSize = 4096

// Apply folds one record into msg and returns the result. msg is never
// modified, so snapshots handed out earlier stay valid.
func Apply(msg models.ChatMessage, rec Record) models.ChatMessage {
	switch rec.Type {
	case RecordThought:
		msg.Thoughts = append(slices.Clip(msg.Thoughts), rec.Content)
	case RecordAnswer:
		msg.Content += rec.Content
	}
	return msg
}

// StreamOpts holds parameters for Stream.
type StreamOpts struct {
	SessionID string
	Logger    *zap.Logger
}

// Stream reads r until it ends, the terminal record arrives, or ctx is
// cancelled, yielding the assistant message after every applied record.
// The last value yielded has Streaming set to false, and it is yielded
// exactly once. A read error ends the stream like a close.
func Stream(ctx context.Context, r io.Reader, opts StreamOpts) iter.Seq[models.ChatMessage] {
	logger := logging.OrNop(opts.Logger)
	return func(yield func(models.ChatMessage) bool) {
		msg := models.ChatMessage{
			SessionID: opts.SessionID,
			Role:      models.RoleAssistant,
			Streaming: true,
		}
		dec := NewDecoder(func(err error) {
			logger.Warn("skipping malformed chat record", zap.Error(err))
		})

		// apply folds records and reports whether the terminal record was seen
		// and whether the consumer still wants values.
		apply := func(recs []Record) (done, more bool) {
			for _, rec := range recs {
				if rec.Type == RecordDone {
					return true, true
				}
				msg = Apply(msg, rec)
				if !yield(msg) {
					return false, false
				}
			}
			return false, true
		}

		buf := make([]byte, readSize)
		for {
			if ctx.Err() != nil {
				break
			}
			n, err := r.Read(buf)
			if n > 0 {
				done, more := apply(dec.Write(buf[:n]))
				if !more {
					return
				}
				if done {
					break
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					logger.Warn("chat stream read failed", zap.Error(err))
				}
				if pending := dec.Buffered(); pending > 0 {
					logger.Debug("flushing unterminated chat record", zap.Int("bytes", pending))
				}
				if _, more := apply(dec.Flush()); !more {
					return
				}
				break
			}
		}

		msg.Streaming = false
		yield(msg)
	}
}
