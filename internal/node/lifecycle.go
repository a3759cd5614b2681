package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
	"github.com/austindbirch/harbor_mesh/internal/protocol"
)

// Initialize binds the node's channels, starts its scheduler and registers
// it with discovery. It may be called once.
func (n *Node) Initialize(ctx context.Context) (err error) {
	if !n.initialized.CAS(false, true) {
		return ErrAlreadyInitialized
	}
	logger := n.logger
	defer func() {
		if err != nil {
			_ = n.unbindAll()
			n.scheduler.Stop()
			n.logger = logger
			n.initialized.Store(false)
		}
	}()

	n.baseCtx = context.WithoutCancel(ctx)

	if n.forwardLogs {
		logs, err := n.ps.Bind(ctx, protocol.LogsChannel(n.address.Namespace), nil)
		if err != nil {
			return fmt.Errorf("bind logs channel: %w", err)
		}
		n.logger = n.logger.WithSink(logging.MultiSink{
			n.logger.Sink(),
			logging.NewTransportSink(logs, n.forwardLevel),
		})
	}

	n.scheduler.Start(n.baseCtx)

	inbound := func(ctx context.Context, raw []byte) {
		_ = n.HandleMessage(ctx, raw)
	}
	for _, name := range []string{n.address.String(), n.address.Broadcast()} {
		ch, err := n.ps.Bind(ctx, name, inbound)
		if err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
		n.chMu.Lock()
		n.bound = append(n.bound, ch)
		n.chMu.Unlock()
	}

	lobby, err := n.ps.Bind(ctx, protocol.LobbyChannel(n.address.Namespace), n.onLobby)
	if err != nil {
		return fmt.Errorf("bind lobby: %w", err)
	}
	n.chMu.Lock()
	n.lobby = lobby
	n.chMu.Unlock()

	load := n.scheduler.QueueDepth()
	if err := n.discovery.RegisterNode(ctx, n.address.ServiceID, n.address.InstanceID, load); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	metrics.UpdateNodeLoad(load)

	if err := n.announce(ctx, protocol.CheckIn, load); err != nil {
		n.logger.WithContext(ctx).WithError(err).Warn("Failed to announce check-in")
	}

	n.republishStop = make(chan struct{})
	n.republishDone = make(chan struct{})
	ticker := n.clock.Ticker(n.cfg.StatusUpdateInterval)
	go n.republish(ticker.C, ticker.Stop)

	n.logger.WithContext(ctx).
		WithField("handlers", n.handlers.Types()).
		Info("Node initialized")
	return nil
}

// Stop checks the node out of discovery and rejects every pending request
// with ErrNodeStopped. Errors from each step are aggregated.
func (n *Node) Stop(ctx context.Context) error {
	if !n.initialized.Load() {
		return ErrNotInitialized
	}
	if !n.stopped.CAS(false, true) {
		return ErrNodeStopped
	}

	var errs error
	if err := n.announce(ctx, protocol.CheckOut, n.scheduler.QueueDepth()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("announce check-out: %w", err))
	}
	if err := n.discovery.UnregisterNode(ctx, n.address.ServiceID, n.address.InstanceID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("unregister node: %w", err))
	}

	close(n.republishStop)
	<-n.republishDone
	n.scheduler.Stop()
	errs = multierr.Append(errs, n.unbindAll())

	rejected := n.rejectAll(ErrNodeStopped)
	n.logger.WithContext(ctx).
		WithField("rejected", rejected).
		Info("Node stopped")
	return errs
}

func (n *Node) unbindAll() error {
	n.chMu.Lock()
	channels := n.bound
	if n.lobby != nil {
		channels = append(channels, n.lobby)
	}
	n.bound, n.lobby = nil, nil
	n.chMu.Unlock()

	var errs error
	for _, ch := range channels {
		if err := ch.Unsubscribe(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unsubscribe %s: %w", ch.Name(), err))
		}
	}
	return errs
}

func (n *Node) announce(ctx context.Context, kind string, load int) error {
	msg, err := json.Marshal(protocol.LobbyMessage{
		Type:      kind,
		Address:   n.address.String(),
		ServiceID: n.address.ServiceID,
		NodeID:    n.address.InstanceID,
		Load:      load,
		Timestamp: n.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.send(ctx, protocol.LobbyChannel(n.address.Namespace), msg)
}

// onLobby handles announcements from other nodes. A check-out removes the
// departing node from discovery so it is no longer routed to.
func (n *Node) onLobby(ctx context.Context, raw []byte) {
	var msg protocol.LobbyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		n.logger.WithContext(ctx).WithError(err).Warn("Dropping malformed lobby message")
		return
	}
	if msg.Address == n.address.String() {
		return
	}
	metrics.RecordLobby(msg.Type)

	log := n.logger.WithContext(ctx).WithFields(map[string]any{
		"peer":    msg.Address,
		"service": msg.ServiceID,
	})
	switch msg.Type {
	case protocol.CheckIn:
		log.Debug("Peer checked in")
	case protocol.CheckOut:
		if err := n.discovery.UnregisterNode(ctx, msg.ServiceID, msg.NodeID); err != nil {
			log.WithError(err).Warn("Failed to unregister departed peer")
			return
		}
		log.Info("Peer checked out")
	default:
		log.WithField("type", msg.Type).Debug("Ignoring lobby message")
	}
}

// republish refreshes the node's load in discovery on every tick
func (n *Node) republish(ticks <-chan time.Time, stopTicker func()) {
	defer close(n.republishDone)
	defer stopTicker()

	for {
		select {
		case <-n.republishStop:
			return
		case <-ticks:
			load := n.scheduler.QueueDepth()
			metrics.UpdateNodeLoad(load)
			if err := n.discovery.UpdateNodeLoad(n.baseCtx, n.address.ServiceID, n.address.InstanceID, load); err != nil {
				n.logger.WithContext(n.baseCtx).WithError(err).Warn("Failed to republish load")
			}
		}
	}
}
