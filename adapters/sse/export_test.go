package sse

import "time"

// WithTicker 以外部通道取代 keepalive 計時器。
func WithTicker(ch <-chan time.Time) StreamOption {
	return func(o *streamOptions) {
		o.newTicker = func(time.Duration) (<-chan time.Time, func()) {
			return ch, func() {}
		}
	}
}
