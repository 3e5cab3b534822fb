package app

import (
	"context"
	"runtime"
	"time"

	"e2e_mediator/internal/protocol/chat"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/notify"
	"e2e_mediator/internal/service/task"
	"e2e_mediator/internal/service/transaction"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
)

const (
	protocolVersion = 0
	platform        = "go"
)

// dispatch is called by the transport for every frame, in the order received. It
// must not block on the network.
func (a *App) dispatch(frame []byte) {
	if !mediator.IsMediatorMessage(frame) {
		a.dispatchProxy(frame)
		return
	}

	msg, err := mediator.Decode(frame)
	if err != nil {
		log.Warn("dropping undecodable mediator message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *mediator.ServerHello:
		a.handleServerHello(m)
	case *mediator.ServerInfo:
		a.handleServerInfo(m)
	case *mediator.ReflectAck:
		if !a.hub.Fulfil(notify.ReflectKey(m.ReflectID), notify.Result{Value: m.Time()}) {
			log.Debug("reflect ack without waiter", zap.Stringer("reflect_id", m.ReflectID))
		}
	case *mediator.Reflected:
		a.enqueue(a.incoming, &task.ReceiveReflected{
			ReflectID: m.ReflectID,
			Timestamp: m.Timestamp,
			Envelope:  m.Envelope,
		})
	case *mediator.DevicesInfo:
		a.hub.Fulfil(notify.DevicesInfoKey, notify.Result{Value: m})
	case *mediator.DropDeviceAck:
		a.hub.Fulfil(notify.DropDeviceKey(m.DeviceID), notify.Result{})
	case *mediator.RolePromotedToLeader:
		log.Info("device promoted to leader")
	case *mediator.Ended:
		log.Debug("transaction of another device ended", zap.Uint64("device_id", m.DeviceID))
	case *mediator.ReflectionQueueDry:
		// out of sequence for a transaction in flight
		if a.coordinator.Deliver(m) {
			return
		}
		a.handleQueueDry()
	default:
		if transaction.Handles(msg) && a.coordinator.Deliver(msg) {
			return
		}
		log.Warn("unexpected mediator message", zap.Stringer("type", msg.Type()))
	}
}

func (a *App) dispatchProxy(frame []byte) {
	payload, err := mediator.ExtractProxyPayload(frame)
	if err != nil {
		log.Warn("dropping malformed proxy message", zap.Error(err))
		return
	}
	f, err := chat.DecodeFrame(payload)
	if err != nil {
		log.Warn("dropping malformed chat frame", zap.Error(err))
		return
	}

	if f.Ack != nil {
		if !a.hub.Fulfil(notify.SendKey(f.Ack.MessageID, f.Ack.Identity), notify.Result{}) {
			log.Debug("server ack without waiter", zap.String("message_id", f.Ack.MessageID), zap.String("identity", f.Ack.Identity))
		}
		return
	}
	a.enqueue(a.incoming, &task.ReceiveMessage{Frame: payload})
}

func (a *App) enqueue(m *task.Manager, def task.Definition) {
	if _, err := m.Enqueue(context.Background(), def); err != nil {
		log.Error("failed to enqueue incoming task", zap.String("kind", string(def.Kind())), zap.Error(err))
	}
}

func (a *App) handleServerHello(m *mediator.ServerHello) {
	response, err := a.crypto.ClientHelloResponse(m.Challenge, m.ESK)
	if err != nil {
		log.Error("cannot answer server hello", zap.Error(err))
		_ = a.ws.Close()
		return
	}
	info, err := a.crypto.EncryptDeviceInfo(&mediator.DeviceInfo{
		Platform:        platform,
		PlatformDetails: runtime.GOOS + "/" + runtime.GOARCH,
		Label:           a.cfg.MultiDevice.DeviceLabel,
	})
	if err != nil {
		log.Error("cannot encrypt device info", zap.Error(err))
		_ = a.ws.Close()
		return
	}

	hello := &mediator.ClientHello{
		Version:             protocolVersion,
		Response:            response,
		DeviceID:            a.me.DeviceID,
		EncryptedDeviceInfo: info,
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Mediator.HandshakeTimeout)
	defer cancel()
	if err := a.ws.Send(ctx, mediator.Encode(hello)); err != nil {
		log.Error("failed to send client hello", zap.Error(err))
	}
}

func (a *App) handleServerInfo(m *mediator.ServerInfo) {
	a.loggedIn.Store(true)
	log.Info("logged in to mediator",
		zap.Time("server_time", time.UnixMilli(int64(m.CurrentTime))),
		zap.Uint32("max_device_slots", m.MaxDeviceSlots),
		zap.Uint32("reflection_queue_length", m.ReflectionQueueLength),
	)
	a.incoming.SetReady(true)
}

// handleQueueDry opens the outgoing queue once every reflected message queued while
// the device was offline has been received.
func (a *App) handleQueueDry() {
	if !a.loggedIn.Load() {
		log.Warn("reflection queue dry before login")
		return
	}
	log.Debug("reflection queue dry")
	a.outgoing.SetReady(true)
	if a.onReady != nil {
		a.onReady()
	}
}
