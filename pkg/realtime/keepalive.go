package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
)

// keepAlive issues a one-row point read every interval so idle connections
// to the backend are not dropped. Failures are logged and otherwise ignored.
type keepAlive struct {
	reader   feed.Reader
	resource string
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   logger.Logger
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func startKeepAlive(k *keepAlive) *keepAlive {
	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.done = make(chan struct{})
	go k.run()
	return k
}

func (k *keepAlive) run() {
	defer close(k.done)

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-k.clock.After(k.interval):
		}
		k.tick()
	}
}

func (k *keepAlive) tick() {
	ctx, cancel := context.WithTimeout(k.ctx, k.timeout)
	defer cancel()

	err := k.read(ctx)
	k.metrics.keepAlive(err)
	if err != nil {
		k.logger.Warn("realtime.keepAlive read failed", "resource", k.resource, "error", err)
		return
	}
	k.logger.Debug("realtime.keepAlive read", "resource", k.resource)
}

func (k *keepAlive) read(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keep-alive read panicked: %v", r)
		}
	}()
	return k.reader.PointRead(ctx, k.resource, 1)
}

// stop cancels the ticker and waits for it to exit.
func (k *keepAlive) stop() {
	k.cancel()
	<-k.done
}
