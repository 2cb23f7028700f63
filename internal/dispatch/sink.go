package dispatch

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
)

// LogSink logs offers instead of delivering them. Useful when no real sink
// is configured.
type LogSink struct {
	Logger log.Logger
}

// Send implements Sink.
func (s LogSink) Send(ctx context.Context, req *Request) error {
	L := s.Logger
	if L == nil {
		L = log.Nop()
	}
	L.Info(ctx, "would send offer",
		"dispatch_id", req.ID,
		"device_id", req.DeviceID,
		"h3_hex", req.Cell.String(),
		"condition", req.Condition,
		"event_ts", req.EventTime,
	)
	return nil
}

// MultiSink sends to every sink and joins their errors. The joined error is
// permanent only when every failure was permanent. Dispatcher retries each
// member on its own rather than calling Send.
type MultiSink []Sink

// Send implements Sink.
func (m MultiSink) Send(ctx context.Context, req *Request) error {
	var errs []error
	permanent := 0
	for _, s := range m {
		err := s.Send(ctx, req)
		if err == nil {
			continue
		}
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent++
			err = pe.Err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if permanent == len(errs) {
		return backoff.Permanent(joined)
	}
	return joined
}
