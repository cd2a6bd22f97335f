// Package realtime keeps the store convergent with online peers: inbound
// deltas run through the conflict primitive, surviving conflicts are
// re-broadcast so every peer settles on the same value.
package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/merge"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

const (
	// staleAfter bounds both inbound packet age and presence liveness.
	staleAfter = 5 * time.Second

	presenceInterval = time.Second
	reconnectSleep   = 5 * time.Second
)

// Session owns the realtime loops: the inbound listener, the presence
// heartbeat and the opportunistic outbound broadcaster.
type Session struct {
	db           *store.DB
	transport    Transport
	client       types.Client
	othersOnline atomic.Bool
	// onChange fires the buffer-sync trigger after inbound writes.
	onChange func()
	logger   zerolog.Logger
}

func NewSession(db *store.DB, transport Transport, client types.Client, onChange func()) *Session {
	return &Session{
		db:        db,
		transport: transport,
		client:    client,
		onChange:  onChange,
		logger:    log.WithComponent("realtime"),
	}
}

// OthersOnline reports whether any live peer is present. Outbound
// broadcasts are skipped without one.
func (s *Session) OthersOnline() bool { return s.othersOnline.Load() }

// accurateSeconds is the offset-corrected wallclock shared with peers.
func (s *Session) accurateSeconds() float64 {
	return float64(time.Now().UnixNano())/float64(time.Second) + s.transport.TimeOffset()
}

// Start connects and runs the listener and presence loops until ctx ends.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	for {
		if err := s.transport.Connect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("realtime connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectSleep):
				continue
			}
		}
		break
	}
	s.logger.Info().Str("client_id", s.client.ClientID).Msg("realtime connected")

	go s.presenceLoop(ctx)
	s.listen(ctx)
}

func (s *Session) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.transport.Close()
			return
		case packet := <-s.transport.Packets():
			if err := s.processPacket(packet); err != nil {
				s.logger.Error().Err(err).Msg("processing inbound packet")
			}
		}
	}
}

// presenceLoop heartbeats this client's clock every second and prunes
// peers older than the liveness window. Network errors back off for the
// reconnect interval; an index-disabled backend is surfaced and not
// retried blindly.
func (s *Session) presenceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := s.accurateSeconds()
		err := s.transport.SetPresence(s.client.ClientID, now)
		if err == nil {
			err = s.refreshOthersOnline(now)
		}
		sleep := presenceInterval
		if err != nil {
			var indexErr *types.RealtimeIndexDisabledError
			if errors.As(err, &indexErr) {
				s.logger.Error().Err(indexErr).Msg("realtime index disabled")
				return
			}
			s.logger.Debug().Err(err).Msg("presence update failed")
			sleep = reconnectSleep
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (s *Session) refreshOthersOnline(now float64) error {
	clients, err := s.transport.Presence()
	if err != nil {
		return err
	}
	cutoff := now - staleAfter.Seconds()
	online := false
	stale := false
	for clientID, seconds := range clients {
		if seconds <= cutoff {
			stale = true
			continue
		}
		if clientID != s.client.ClientID {
			online = true
		}
	}
	s.othersOnline.Store(online)
	if stale {
		return s.transport.PrunePresence(cutoff)
	}
	return nil
}

// BroadcastChanges sends the buffer-sync packet opportunistically: nothing
// goes out while no peer is online.
func (s *Session) BroadcastChanges(packet *types.BroadcastPacket) {
	if packet.Empty() || !s.OthersOnline() {
		return
	}
	packet.ClientID = s.client.ClientID
	packet.Timestamp = s.accurateSeconds()
	go func() {
		send := func() error { return s.transport.Broadcast(packet) }
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if err := backoff.Retry(send, policy); err != nil {
			s.logger.Warn().Err(err).Msg("broadcast failed")
		}
	}()
}

// processPacket applies one inbound packet. Own and stale packets are
// dropped; everything else goes through the merge-capable path, which makes
// the handler re-entrant under duplicate delivery.
func (s *Session) processPacket(packet *types.BroadcastPacket) error {
	if packet.Empty() || packet.ClientID == s.client.ClientID ||
		packet.Timestamp < s.accurateSeconds()-staleAfter.Seconds() {
		metrics.RealtimePacketsDropped.Inc()
		return nil
	}
	s.logger.Debug().Str("from", packet.ClientID).Msg("inbound packet")

	conflicts := &types.BroadcastPacket{
		Content:  make(map[types.NodeID]types.ContentEntry),
		Children: make(map[types.NodeID]types.ChildrenEntry),
	}
	changed := false

	err := s.db.Update(func(txn *store.Txn) error {
		for id, entry := range packet.Children {
			entryChanged, err := s.applyChildren(txn, id, entry, conflicts)
			if err != nil {
				return err
			}
			changed = changed || entryChanged
		}
		for id, entry := range packet.Content {
			entryChanged, err := s.applyContent(txn, id, entry, conflicts)
			if err != nil {
				return err
			}
			changed = changed || entryChanged
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !conflicts.Empty() {
		s.BroadcastChanges(conflicts)
	}
	if changed {
		metrics.SyncCyclesTotal.WithLabelValues("realtime").Inc()
		if s.onChange != nil {
			s.onChange()
		}
	}
	return nil
}

func (s *Session) applyContent(txn *store.Txn, id types.NodeID, entry types.ContentEntry, conflicts *types.BroadcastPacket) (bool, error) {
	downstreamHash := merge.OrderedDataHash(entry.Lines)
	dbHash, exists, err := txn.ContentHash(id)
	if err != nil {
		return false, err
	}
	if exists && downstreamHash == dbHash {
		// Spurious re-broadcast of a value this store already holds.
		return false, nil
	}

	lines := entry.Lines
	if exists && dbHash != entry.Hash {
		dbLines, err := txn.ContentLines(id)
		if err != nil {
			return false, err
		}
		lines = merge.Content(entry.Lines, dbLines, s.db.Marker())
		conflicts.Content[id] = types.ContentEntry{Hash: downstreamHash, Lines: lines}
		metrics.ConflictsResolved.WithLabelValues("realtime").Inc()
	}
	return true, txn.SetContentLines(id, lines)
}

func (s *Session) applyChildren(txn *store.Txn, id types.NodeID, entry types.ChildrenEntry, conflicts *types.BroadcastPacket) (bool, error) {
	downstreamHash := merge.OrderedDataHash(entry.IDs)
	dbHash, exists, err := txn.ChildrenHash(id)
	if err != nil {
		return false, err
	}
	if exists && downstreamHash == dbHash {
		return false, nil
	}

	ids := types.NewOrderedSet(entry.IDs...)
	if exists && dbHash != entry.Hash {
		dbIDs, err := txn.Descendants(id, false, false)
		if err != nil {
			return false, err
		}
		// Local order wins on this path; the downstream ids append.
		ids = merge.Children(dbIDs, ids)
		conflicts.Children[id] = types.ChildrenEntry{Hash: downstreamHash, IDs: ids.IDs()}
		metrics.ConflictsResolved.WithLabelValues("realtime").Inc()
	}
	return true, txn.SetDescendants(id, ids, false)
}
