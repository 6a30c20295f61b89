package kiosk

import (
	"context"
	"errors"
	"time"

	"github.com/relabs-tech/queuekiosk/core/logger"
	"github.com/relabs-tech/queuekiosk/iot/publisher"
	"github.com/relabs-tech/queuekiosk/iot/queue"
	"github.com/relabs-tech/queuekiosk/iot/session"
)

// startEmitter reports the displayed token every EmitInterval until ctx is canceled
func (c *Controller) startEmitter(ctx context.Context) {
	if c.b.EmitInterval < 0 {
		return
	}
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		ticker := time.NewTicker(c.b.EmitInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.emitDisplayed(ctx)
			}
		}
	}()
}

func (c *Controller) emitDisplayed(ctx context.Context) {
	rlog := logger.FromContext(ctx)
	if !c.Online() {
		rlog.Debugln("offline, skipping display report")
		return
	}
	next := c.reconciler.CurrentView().NextToDisplay
	if next == nil {
		return
	}

	// a stop must not abandon a publish that already started
	pctx := context.WithoutCancel(ctx)
	attributes := c.attributes
	attributes.DisplayDuration = int(c.b.EmitInterval / time.Second)
	_, err := c.publisher.Publish(pctx, queue.ActionTokenDisplayed, next.Token, attributes)
	switch {
	case err == nil:
	case errors.Is(err, publisher.ErrSerialization):
		c.reportFatal(err)
	case errors.Is(err, session.ErrNotConnected):
		rlog.Debugln("connection lost, display report dropped")
	default:
		rlog.WithError(err).Warnln("cannot report displayed token", next.Token)
	}
}
