package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/healthcare-dapp/hdsync/internal/protocol"
	"github.com/healthcare-dapp/hdsync/internal/records"
	"github.com/healthcare-dapp/hdsync/internal/store"
)

// syncState tracks the pull this session runs against its peer.
type syncState struct {
	syncing        bool
	resync         bool // a pull was requested while one was running
	pulled         bool // pulled at least once on the current channel
	pendingPull    bool
	pendingRequest bool

	gen     int // bumped by every pull, so a stale timeout is ignored
	started time.Time
	heard   time.Time // last message from the peer during the pull
	records int
	files   int
	grace   clockwork.Timer
	idle    clockwork.Timer // ends a pull the peer stopped answering
}

func (c *syncState) stopTimer() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.stopIdle()
}

func (c *syncState) stopIdle() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

// inboundState collects the parts of a peer's SHOW_CURRENT_STATE.
type inboundState struct {
	state *protocol.ShowCurrentState
	next  int
}

// delta is what a responder streams back for one SHOW_CURRENT_STATE.
type delta struct {
	records []records.Wire
	files   []fileRef
	bytes   int64
}

type fileRef struct {
	hash string // File record hash
	file *records.File
}

// send signs and writes one envelope to the data channel.
func (s *Session) send(typ protocol.MessageType, data any) error {
	if s.channel == nil {
		return fmt.Errorf("send %s: no data channel", typ)
	}
	env, err := protocol.Encode(typ, data, s.signer)
	if err != nil {
		return err
	}
	b, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if err := s.channel.Send(b); err != nil {
		s.log.Debug("Send failed", "type", typ, "error", err)
		s.metrics.RecordError("send", err.Error(), s.peer.Short())
		return fmt.Errorf("send %s: %w", typ, err)
	}
	s.metrics.EnvelopeSent(string(typ))
	return nil
}

// handleMessage verifies and dispatches one envelope from the data
// channel. Nothing that fails here ends the session.
func (s *Session) handleMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.reject("malformed", err)
		return
	}
	if err := env.Verify(s.peer.PublicKey); err != nil {
		s.reject("signature", err)
		return
	}
	s.metrics.EnvelopeReceived(string(env.Type))
	s.log.Debug("Received message", "type", env.Type)
	s.touchPull()

	switch env.Type {
	case protocol.MsgShowCurrentState:
		var state protocol.ShowCurrentState
		if err := env.ParseData(&state); err != nil {
			s.reject("malformed", err)
			s.finish(protocol.SyncFinished{Error: "malformed inventory"})
			return
		}
		s.onStatePart(&state)
	case protocol.MsgSyncSummary:
		var sum protocol.SyncSummary
		if err := env.ParseData(&sum); err != nil {
			s.reject("malformed", err)
			return
		}
		s.log.Debug("Incoming delta", "records", sum.Records, "files", sum.Files, "bytes", sum.FileBytes)
	case protocol.MsgRecordsChunk:
		var chunk protocol.RecordsChunk
		if err := env.ParseData(&chunk); err != nil {
			s.reject("malformed", err)
			return
		}
		s.applyRecords(chunk.Records)
	case protocol.MsgFileChunk:
		var chunk protocol.FileChunk
		if err := env.ParseData(&chunk); err != nil {
			s.reject("malformed", err)
			return
		}
		s.onFileChunk(chunk)
	case protocol.MsgSyncRequested:
		s.startPull()
	case protocol.MsgSyncFinished:
		var fin protocol.SyncFinished
		if err := env.ParseData(&fin); err != nil {
			s.reject("malformed", err)
			return
		}
		s.onSyncFinished(fin)
	}
}

func (s *Session) reject(reason string, err error) {
	s.log.Warn("Rejected message", "reason", reason, "error", err)
	s.metrics.EnvelopeRejected(reason)
	s.metrics.RecordError(reason, err.Error(), s.peer.Short())
	s.audit.SyncRejected(s.peer.Short(), reason)
}

// startPull announces our inventory so the peer streams what we lack.
func (s *Session) startPull() {
	if s.channel == nil {
		s.cycle.pendingPull = true
		return
	}
	s.cycle.pendingPull = false
	if s.cycle.syncing {
		s.cycle.resync = true
		return
	}

	state, err := s.currentState(s.ctx)
	if err != nil {
		s.log.Error("Failed to read inventory", "error", err)
		return
	}

	s.cycle.syncing = true
	s.cycle.pulled = true
	s.cycle.gen++
	s.cycle.started = s.clock.Now()
	s.cycle.heard = s.cycle.started
	s.cycle.records, s.cycle.files = 0, 0
	s.syncing.Store(true)

	parts := state.Split(protocol.MaxStatePartBytes)
	for i := range parts {
		if err := s.send(protocol.MsgShowCurrentState, &parts[i]); err != nil {
			s.cycle.syncing = false
			s.syncing.Store(false)
			return
		}
	}
	if len(parts) > 1 {
		s.log.Debug("Inventory sent in parts", "parts", len(parts))
	}

	gen := s.cycle.gen
	s.cycle.idle = s.clock.AfterFunc(s.timeout, func() {
		s.post(command{kind: cmdPullTimeout, gen: gen})
	})
}

// touchPull pushes back the idle timeout of a running pull.
func (s *Session) touchPull() {
	if s.cycle.idle != nil {
		s.cycle.heard = s.clock.Now()
		s.cycle.idle.Reset(s.timeout)
	}
}

// pullTimedOut ends a pull whose responder went quiet, so later Sync
// calls are not absorbed by it forever.
func (s *Session) pullTimedOut(gen int) {
	if gen != s.cycle.gen || !s.cycle.syncing || s.cycle.grace != nil {
		return
	}
	if s.clock.Since(s.cycle.heard) < s.timeout {
		// Reset raced with the timer firing.
		return
	}
	s.cycle.idle = nil
	s.log.Warn("Pull timed out", "after", s.timeout, "records", s.cycle.records, "files", s.cycle.files)
	s.metrics.RecordError("pull_timeout", "no SYNC_FINISHED from peer", s.peer.Short())
	s.cycle.syncing = false
	s.syncing.Store(false)

	if s.cycle.resync {
		s.cycle.resync = false
		s.startPull()
	}
}

func (s *Session) currentState(ctx context.Context) (*protocol.ShowCurrentState, error) {
	inv, err := store.Inventory(ctx, s.store)
	if err != nil {
		return nil, err
	}
	state := &protocol.ShowCurrentState{Version: protocol.ProtocolVersion, Inventory: inv}

	seen := make(map[string]bool)
	for _, h := range inv[records.KindFile] {
		f, err := store.FileRecord(ctx, s.store, h)
		if err != nil {
			return nil, err
		}
		if seen[f.BlobHash] {
			continue
		}
		ok, err := s.store.HasBlob(ctx, f.BlobHash)
		if err != nil {
			return nil, err
		}
		if ok {
			seen[f.BlobHash] = true
			state.Blobs = append(state.Blobs, f.BlobHash)
		}
	}
	return state, nil
}

// computeDelta returns the local records the peer did not declare, plus
// the files whose bytes it lacks. Files are only offered once their blob
// is complete here.
func computeDelta(ctx context.Context, st store.Store, state *protocol.ShowCurrentState) (*delta, error) {
	d := &delta{}
	blobs := state.BlobSet()
	for _, kind := range records.Kinds {
		local, err := st.Hashes(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		declared := state.Has(kind)

		for _, h := range local {
			rec, err := st.Get(ctx, kind, h)
			if err != nil {
				return nil, fmt.Errorf("get %s %s: %w", kind, h, err)
			}
			_, known := declared[h]

			if f, ok := rec.(*records.File); ok {
				complete, err := st.HasBlob(ctx, f.BlobHash)
				if err != nil {
					return nil, err
				}
				if !complete {
					continue
				}
				if _, held := blobs[f.BlobHash]; !known || !held {
					d.files = append(d.files, fileRef{hash: h, file: f})
					d.bytes += f.Size
				}
			}
			if known {
				continue
			}

			w, err := records.Encode(rec)
			if err != nil {
				return nil, err
			}
			d.records = append(d.records, w)
		}
	}
	return d, nil
}

// chunkRecords splits records into RECORDS_CHUNK payloads of at most
// MaxRecordsPerChunk records and MaxRecordsChunkBytes. Records too large
// for any chunk are returned separately.
func chunkRecords(recs []records.Wire) (chunks []protocol.RecordsChunk, oversized []records.Wire) {
	fit := make([]records.Wire, 0, len(recs))
	sizes := make([]int, 0, len(recs))
	for _, w := range recs {
		n := protocol.WireSize(w)
		if n > protocol.MaxRecordsChunkBytes {
			oversized = append(oversized, w)
			continue
		}
		fit = append(fit, w)
		sizes = append(sizes, n)
	}

	for i := 0; i < len(fit); {
		end, size := i, 0
		for end < len(fit) && end-i < protocol.MaxRecordsPerChunk && size+sizes[end] <= protocol.MaxRecordsChunkBytes {
			size += sizes[end]
			end++
		}
		chunks = append(chunks, protocol.RecordsChunk{
			Records:   fit[i:end],
			Remaining: len(fit) - end,
		})
		i = end
	}
	return chunks, oversized
}

// onStatePart collects one part of the peer's inventory and answers once
// the last part is in.
func (s *Session) onStatePart(part *protocol.ShowCurrentState) {
	switch {
	case part.Part == 0:
		s.inbound = inboundState{state: part}
	case s.inbound.state == nil || part.Part != s.inbound.next:
		s.inbound = inboundState{}
		s.reject("malformed", fmt.Errorf("inventory part %d out of sequence", part.Part))
		s.finish(protocol.SyncFinished{Error: "inventory part out of sequence"})
		return
	default:
		s.inbound.state.Merge(part)
	}
	s.inbound.next = part.Part + 1
	if part.More {
		return
	}

	state := s.inbound.state
	s.inbound = inboundState{}
	s.respond(state)
}

// respond streams the delta for the peer's inventory, then pulls in the
// other direction if this channel has not done so yet. The peer's pull
// is always closed with SYNC_FINISHED, even when nothing could be sent.
func (s *Session) respond(state *protocol.ShowCurrentState) {
	if state.Version != protocol.ProtocolVersion {
		s.reject("version", fmt.Errorf("unsupported protocol version %q", state.Version))
		s.finish(protocol.SyncFinished{Error: "unsupported protocol version"})
		return
	}

	started := s.clock.Now()
	d, err := computeDelta(s.ctx, s.store, state)
	if err != nil {
		s.log.Error("Failed to compute delta", "error", err)
		s.finish(protocol.SyncFinished{Error: "delta unavailable"})
		return
	}

	if err := s.stream(d); err != nil {
		s.log.Warn("Delta interrupted", "error", err)
		s.finish(protocol.SyncFinished{Error: "delta interrupted"})
		return
	}
	s.metrics.SyncCompleted("push", s.clock.Since(started))
	s.log.Debug("Delta sent", "records", len(d.records), "files", len(d.files), "bytes", d.bytes)

	if !s.cycle.pulled {
		s.startPull()
	}
}

func (s *Session) stream(d *delta) error {
	chunks, oversized := chunkRecords(d.records)
	for _, w := range oversized {
		s.log.Warn("Record too large to send", "kind", w.Kind, "hash", w.Hash, "bytes", len(w.Data))
		s.metrics.RecordError("record_size", "record exceeds chunk size", s.peer.Short())
	}
	sent := len(d.records) - len(oversized)

	err := s.send(protocol.MsgSyncSummary, protocol.SyncSummary{
		Records:   sent,
		Files:     len(d.files),
		FileBytes: d.bytes,
	})
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		if err := s.send(protocol.MsgRecordsChunk, chunk); err != nil {
			return err
		}
	}
	for _, ref := range d.files {
		if err := s.streamFile(ref); err != nil {
			return err
		}
	}
	return s.finish(protocol.SyncFinished{Records: sent, Files: len(d.files)})
}

func (s *Session) finish(fin protocol.SyncFinished) error {
	return s.send(protocol.MsgSyncFinished, fin)
}

func (s *Session) streamFile(ref fileRef) error {
	data, err := s.store.Blob(s.ctx, ref.file.BlobHash)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", ref.file.BlobHash, err)
	}
	if len(data) == 0 {
		return s.send(protocol.MsgFileChunk, protocol.FileChunk{FileHash: ref.hash, HasEnded: true})
	}
	for off := 0; off < len(data); off += protocol.FileChunkSize {
		end := min(off+protocol.FileChunkSize, len(data))
		err := s.send(protocol.MsgFileChunk, protocol.FileChunk{
			FileHash: ref.hash,
			Offset:   int64(off),
			Data:     data[off:end],
			HasEnded: end == len(data),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) applyRecords(wires []records.Wire) {
	for _, w := range wires {
		rec, err := records.Decode(w)
		switch {
		case errors.Is(err, records.ErrUnknownKind):
			s.log.Debug("Skipping record of unknown kind", "kind", w.Kind)
			continue
		case errors.Is(err, records.ErrHashMismatch):
			s.reject("content_hash", err)
			continue
		case err != nil:
			s.reject("malformed", err)
			continue
		}
		s.apply(w.Hash, rec)
	}
}

func (s *Session) apply(hash string, rec records.Record) {
	var file *records.File
	switch r := rec.(type) {
	case *records.File:
		if r.Size < 0 || r.Size > MaxFileSize {
			s.reject("file_size", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, r.Size))
			return
		}
		file = r
	case *records.Device, *records.Profile, *records.Chat, *records.Message, *records.MedicalRecord:
	default:
		s.log.Warn("Unhandled record type", "kind", rec.Kind())
		return
	}

	if _, err := s.store.Put(s.ctx, rec); err != nil {
		s.log.Error("Failed to store record", "kind", rec.Kind(), "hash", hash, "error", err)
		s.metrics.RecordError("store", err.Error(), s.peer.Short())
		return
	}
	s.metrics.RecordApplied(string(rec.Kind()))
	s.cycle.records++

	if file != nil {
		s.releaseParked(hash, file)
	}
}

func (s *Session) onFileChunk(c protocol.FileChunk) {
	s.metrics.FileChunkReceived(len(c.Data))

	a := s.files.get(c.FileHash)
	if a == nil {
		f, err := store.FileRecord(s.ctx, s.store, c.FileHash)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if !s.files.park(c) {
				s.log.Warn("Dropping chunk for unknown file", "file", c.FileHash, "offset", c.Offset)
				s.metrics.RecordError("park", "park buffer full", s.peer.Short())
			}
			return
		case err != nil:
			s.log.Error("Failed to look up file", "file", c.FileHash, "error", err)
			return
		}
		if a, err = s.files.begin(c.FileHash, f); err != nil {
			s.log.Warn("Cannot reassemble file", "file", c.FileHash, "error", err)
			return
		}
	}
	s.writeChunk(a, c)
}

func (s *Session) releaseParked(hash string, f *records.File) {
	parked := s.files.release(hash)
	if len(parked) == 0 {
		return
	}
	a, err := s.files.begin(hash, f)
	if err != nil {
		s.log.Warn("Cannot reassemble file", "file", hash, "error", err)
		return
	}
	s.log.Debug("Releasing parked chunks", "file", hash, "chunks", len(parked))
	for _, c := range parked {
		if !s.writeChunk(a, c) {
			return
		}
	}
}

// writeChunk reports whether the assembly is still open.
func (s *Session) writeChunk(a *assembly, c protocol.FileChunk) bool {
	if err := a.write(c); err != nil {
		s.log.Warn("Discarding file", "file", a.hash, "error", err)
		s.files.drop(a.hash)
		return false
	}
	if !a.complete() {
		return true
	}

	s.files.drop(a.hash)
	if got := records.BlobHash(a.buf); got != a.file.BlobHash {
		s.reject("blob_hash", fmt.Errorf("file %s: blob hash %s, want %s", a.hash, got, a.file.BlobHash))
		return false
	}
	if err := s.store.PutBlob(s.ctx, a.file.BlobHash, a.buf); err != nil {
		s.log.Error("Failed to store blob", "file", a.hash, "error", err)
		return false
	}
	s.metrics.FileApplied()
	s.audit.FileCommitted(s.peer.Short(), a.file.BlobHash, a.file.Size)
	s.cycle.files++
	s.log.Debug("File committed", "file", a.hash, "size", a.file.Size)
	return false
}

func (s *Session) onSyncFinished(fin protocol.SyncFinished) {
	if !s.cycle.syncing || s.cycle.grace != nil {
		s.log.Debug("Ignoring duplicate SYNC_FINISHED")
		return
	}
	s.cycle.stopIdle()

	took := s.clock.Since(s.cycle.started)
	if fin.Error != "" {
		s.log.Warn("Peer could not serve the pull", "error", fin.Error)
		s.metrics.RecordError("pull_failed", fin.Error, s.peer.Short())
	} else {
		s.audit.SyncFinished(s.peer.Short(), s.cycle.records, s.cycle.files, took)
		s.metrics.SyncCompleted("pull", took)
		s.log.Info("Sync finished", "records", s.cycle.records, "files", s.cycle.files, "took", took)
	}

	s.cycle.grace = s.clock.AfterFunc(s.grace, func() {
		s.post(command{kind: cmdGraceExpired})
	})
	s.notify(Event{Kind: EventSyncFinished})
}

func (s *Session) graceExpired() {
	s.cycle.grace = nil
	s.cycle.syncing = false
	s.syncing.Store(false)

	if s.cycle.resync {
		s.cycle.resync = false
		s.startPull()
	}
}
