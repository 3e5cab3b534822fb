package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"e2e_mediator/internal/cryptographic/dh"
	"e2e_mediator/internal/protocol/chat"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	challengeLength  = 32
)

var errHandshake = errors.New("handshake failed")

// device is one authenticated connection.
type device struct {
	group    string
	groupKey []byte
	id       uint64
	identity string
	conn     *websocket.Conn
	logger   *zap.Logger

	writeMu sync.Mutex
}

func (d *device) write(frame []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return d.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (d *device) send(m mediator.Message) error {
	return d.write(mediator.Encode(m))
}

func (s *MediatorServer) HandleMediatorWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		group := mux.Vars(r)["group"]
		groupKey, err := hex.DecodeString(group)
		if err != nil || len(groupKey) != 32 {
			http.Error(w, "group must be a hex encoded 32 byte key", http.StatusBadRequest)
			return
		}
		deviceID, err := strconv.ParseUint(r.URL.Query().Get("device"), 16, 64)
		if err != nil {
			http.Error(w, "device must be a hex encoded id", http.StatusBadRequest)
			return
		}
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("failed to upgrade", zap.Error(err))
			return
		}

		d := &device{
			group:    group,
			groupKey: groupKey,
			id:       deviceID,
			identity: identity,
			conn:     conn,
			logger:   log.Named("mediator").With(zap.String("identity", identity), zap.Uint64("device_id", deviceID)),
		}
		go s.serve(d)
	}
}

func (s *MediatorServer) serve(d *device) {
	defer d.conn.Close()
	ctx := context.Background()

	if err := s.handshake(ctx, d); err != nil {
		d.logger.Warn("device handshake failed", zap.Error(err))
		return
	}
	defer s.detach(d)

	for {
		mt, data, err := d.conn.ReadMessage()
		if err != nil {
			d.logger.Debug("device web socket closed", zap.Error(err))
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := s.handleFrame(ctx, d, data); err != nil {
			d.logger.Warn("failed to handle frame", zap.Error(err))
		}
	}
}

func (s *MediatorServer) handshake(ctx context.Context, d *device) error {
	eskPriv, eskPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	challenge := make([]byte, challengeLength)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	if err := d.send(&mediator.ServerHello{ESK: eskPub[:], Challenge: challenge}); err != nil {
		return err
	}

	_ = d.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := d.conn.ReadMessage()
	if err != nil {
		return err
	}
	_ = d.conn.SetReadDeadline(time.Time{})

	msg, err := mediator.Decode(data)
	if err != nil {
		return err
	}
	hello, ok := msg.(*mediator.ClientHello)
	if !ok {
		return fmt.Errorf("%w: expected client hello, got %s", errHandshake, msg.Type())
	}
	plain, err := mediator.OpenClientHelloResponse(hello.Response, d.groupKey, eskPriv[:])
	if err != nil {
		return fmt.Errorf("%w: %v", errHandshake, err)
	}
	if !bytes.Equal(plain, challenge) {
		return fmt.Errorf("%w: challenge mismatch", errHandshake)
	}
	if hello.DeviceID != d.id {
		return fmt.Errorf("%w: device id %x does not match %x", errHandshake, hello.DeviceID, d.id)
	}

	known, err := s.saveDevice(ctx, d.group, &deviceRecord{
		DeviceID:            d.id,
		EncryptedDeviceInfo: hello.EncryptedDeviceInfo,
		LastLoginAt:         time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	s.attach(d)

	queued, err := s.drainReflected(ctx, d.group, d.id)
	if err != nil {
		return err
	}
	shared, err := s.sharedDeviceData(ctx, d.group)
	if err != nil {
		return err
	}
	var slotState uint32
	if known {
		slotState = 1
	}
	if err := d.send(&mediator.ServerInfo{
		CurrentTime:               uint64(time.Now().UnixMilli()),
		MaxDeviceSlots:            maxDeviceSlots,
		DeviceSlotState:           slotState,
		EncryptedSharedDeviceData: shared,
		ReflectionQueueLength:     uint32(len(queued)),
	}); err != nil {
		return err
	}

	for _, frame := range queued {
		if err := d.write(frame); err != nil {
			return err
		}
	}
	if err := d.send(&mediator.ReflectionQueueDry{}); err != nil {
		return err
	}

	frames, err := s.GetMessagesFromCache(ctx, d.identity)
	if err != nil {
		d.logger.Error("GetMessagesFromCache failed", zap.Error(err))
	}
	for _, f := range frames {
		if err := d.write(mediator.AddProxyCommonHeader(f)); err != nil {
			return err
		}
	}

	d.logger.Info("device logged in", zap.Int("reflected_queued", len(queued)), zap.Int("chat_queued", len(frames)))
	return nil
}

func (s *MediatorServer) attach(d *device) {
	s.mu.Lock()
	group, ok := s.conns[d.group]
	if !ok {
		group = make(map[uint64]*device)
		s.conns[d.group] = group
	}
	old := group[d.id]
	group[d.id] = d
	s.mu.Unlock()

	if old != nil {
		old.logger.Info("device replaced by a new connection")
		old.conn.Close()
	}
}

func (s *MediatorServer) detach(d *device) {
	s.mu.Lock()
	if group, ok := s.conns[d.group]; ok && group[d.id] == d {
		delete(group, d.id)
		if len(group) == 0 {
			delete(s.conns, d.group)
		}
	}
	s.mu.Unlock()

	if s.locks.Release(d.group, d.id) {
		d.logger.Info("released lock of disconnected device")
	}
}

func (s *MediatorServer) online(group string, id uint64) *device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[group][id]
}

// devicesOf returns every connected device acting for identity.
func (s *MediatorServer) devicesOf(identity string) []*device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*device
	for _, group := range s.conns {
		for _, d := range group {
			if d.identity == identity {
				res = append(res, d)
			}
		}
	}
	return res
}

func (s *MediatorServer) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, group := range s.conns {
		for _, d := range group {
			d.conn.Close()
		}
	}
}

func (s *MediatorServer) handleFrame(ctx context.Context, d *device, frame []byte) error {
	if !mediator.IsMediatorMessage(frame) {
		payload, err := mediator.ExtractProxyPayload(frame)
		if err != nil {
			return err
		}
		return s.relay(ctx, d, payload)
	}

	msg, err := mediator.Decode(frame)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *mediator.Reflect:
		return s.reflect(ctx, d, m)
	case *mediator.ReflectedAck:
		d.logger.Debug("reflected ack", zap.Stringer("reflect_id", m.ReflectID))
		return nil
	case *mediator.GetDevicesInfo:
		return s.devicesInfo(ctx, d)
	case *mediator.DropDevice:
		return s.dropDevice(ctx, d, m.DeviceID)
	case *mediator.SetSharedDeviceData:
		return s.setSharedDeviceData(ctx, d.group, m.EncryptedSharedDeviceData)
	case *mediator.Lock:
		ttl := s.cfg.LockTTL
		if m.TTL > 0 {
			ttl = time.Duration(m.TTL) * time.Second
		}
		holder, ok := s.locks.Acquire(d.group, d.id, m.EncryptedScope, ttl)
		if !ok {
			d.logger.Debug("lock rejected", zap.Uint64("holder", holder.DeviceID))
			return d.send(&mediator.Rejected{DeviceID: holder.DeviceID, EncryptedScope: holder.Scope})
		}
		return d.send(&mediator.LockAck{})
	case *mediator.Unlock:
		if !s.locks.Release(d.group, d.id) {
			d.logger.Debug("unlock without lock")
		}
		return d.send(&mediator.UnlockAck{})
	}
	return fmt.Errorf("unexpected %s from device", msg.Type())
}

// reflect acks the reflect to the sender and hands the envelope to every other device
// of the group, queueing it for offline ones.
func (s *MediatorServer) reflect(ctx context.Context, d *device, m *mediator.Reflect) error {
	ts := uint64(time.Now().UnixMilli())
	reflected := mediator.Encode(&mediator.Reflected{
		ReflectID: m.ReflectID,
		Flags:     m.Flags,
		Timestamp: ts,
		Envelope:  m.Envelope,
	})

	records, err := s.devices(ctx, d.group)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.DeviceID == d.id {
			continue
		}
		if other := s.online(d.group, rec.DeviceID); other != nil {
			if err := other.write(reflected); err == nil {
				continue
			}
		}
		if err := s.queueReflected(ctx, d.group, rec.DeviceID, reflected); err != nil {
			return err
		}
	}

	return d.send(&mediator.ReflectAck{ReflectID: m.ReflectID, Timestamp: ts})
}

func (s *MediatorServer) devicesInfo(ctx context.Context, d *device) error {
	records, err := s.devices(ctx, d.group)
	if err != nil {
		return err
	}
	info := &mediator.DevicesInfo{}
	for _, rec := range records {
		info.Devices = append(info.Devices, mediator.AugmentedDeviceInfo{
			DeviceID:            rec.DeviceID,
			EncryptedDeviceInfo: rec.EncryptedDeviceInfo,
			LastLoginAt:         uint64(rec.LastLoginAt),
		})
	}
	return d.send(info)
}

func (s *MediatorServer) dropDevice(ctx context.Context, d *device, id uint64) error {
	if _, err := s.removeDevice(ctx, d.group, id); err != nil {
		return err
	}
	if other := s.online(d.group, id); other != nil && other != d {
		other.logger.Info("device dropped by another device of its group")
		other.conn.Close()
	}
	return d.send(&mediator.DropDeviceAck{DeviceID: id})
}

// relay forwards a chat frame from d to the devices of its recipient and acks it.
func (s *MediatorServer) relay(ctx context.Context, d *device, payload []byte) error {
	f, err := chat.DecodeFrame(payload)
	if err != nil {
		return err
	}
	if f.Ack != nil {
		d.logger.Debug("message acked by receiver", zap.String("message_id", f.Ack.MessageID))
		return nil
	}

	m := f.Message
	if m.From != d.identity {
		return fmt.Errorf("message %s claims sender %s", m.MessageID, m.From)
	}

	delivered := false
	for _, target := range s.devicesOf(m.To) {
		if err := target.write(mediator.AddProxyCommonHeader(payload)); err != nil {
			target.logger.Warn("failed to deliver message", zap.Error(err))
			continue
		}
		delivered = true
	}
	if !delivered && !m.HasFlag(chat.FlagNoQueue) {
		if err := s.PutMessagesToCache(ctx, m.To, payload); err != nil {
			return err
		}
	}

	if m.HasFlag(chat.FlagNoAck) {
		return nil
	}
	ack, err := chat.EncodeFrame(&chat.Frame{Ack: &chat.MessageAck{MessageID: m.MessageID, Identity: m.To}})
	if err != nil {
		return err
	}
	return d.write(mediator.AddProxyCommonHeader(ack))
}
