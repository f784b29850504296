// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/execmon/pkg/record"
	"github.com/antimetal/execmon/pkg/ringbuffer"
)

// Drain is the single consumer of an in-process ring. It decodes each record
// and hands it to receiver until ctx is done or the ring is closed. Receiver
// errors are logged and do not stop the loop.
func Drain(ctx context.Context, rb *ringbuffer.RingBuffer, receiver Receiver, logger logr.Logger) error {
	buf := make([]byte, 0, record.Size)
	for {
		sample, err := rb.Read(ctx, buf)
		if err != nil {
			if errors.Is(err, ringbuffer.ErrClosed) {
				return nil
			}
			return err
		}

		event := &Event{Timestamp: time.Now()}
		if err := event.UnmarshalBinary(sample); err != nil {
			logger.Error(err, "Dropping malformed record", "size", len(sample))
			continue
		}
		if err := receiver.Accept(event); err != nil {
			logger.Error(err, "Receiver rejected exec event", "receiver", receiver.Name())
		}
	}
}
