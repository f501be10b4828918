package session

import (
	"github.com/healthcare-dapp/hdsync/internal/protocol"
	"github.com/healthcare-dapp/hdsync/internal/transport"
)

// negotiation is the perfect negotiation state of a session.
type negotiation struct {
	makingOffer   bool
	ignoringOffer bool
	answerPending bool
	haveRemote    bool
	pending       []transport.Candidate // candidates received before any remote description
}

func (s *Session) onNegotiationNeeded() {
	s.neg.makingOffer = true
	defer func() { s.neg.makingOffer = false }()

	offer, err := s.conn.CreateOffer(s.ctx)
	if err != nil {
		s.log.Warn("Failed to create offer", "error", err)
		return
	}
	s.log.Debug("Sending offer")
	s.signal(protocol.SignalDescription, offer)
}

func (s *Session) onDescription(d transport.Description) {
	isOffer := d.Type == transport.SDPOffer
	state := s.conn.SignalingState()
	stable := state == transport.SignalingStable ||
		(state == transport.SignalingHaveLocalOffer && s.neg.answerPending)
	collision := isOffer && (s.neg.makingOffer || !stable)

	s.neg.ignoringOffer = !s.polite && collision
	if s.neg.ignoringOffer {
		s.log.Debug("Ignoring colliding offer", "state", state)
		return
	}

	if collision {
		s.log.Debug("Rolling back local offer", "state", state)
		if err := s.conn.Rollback(s.ctx); err != nil {
			s.log.Warn("Rollback failed", "error", err)
			return
		}
	}

	s.neg.answerPending = d.Type == transport.SDPAnswer
	err := s.conn.SetRemoteDescription(s.ctx, d)
	s.neg.answerPending = false
	if err != nil {
		s.log.Debug("Remote description rejected", "type", d.Type, "state", state, "error", err)
		return
	}
	s.neg.haveRemote = true
	s.flushCandidates()

	if !isOffer {
		return
	}
	answer, err := s.conn.CreateAnswer(s.ctx)
	if err != nil {
		s.log.Warn("Failed to create answer", "error", err)
		return
	}
	s.log.Debug("Sending answer")
	s.signal(protocol.SignalDescription, answer)
}

func (s *Session) onCandidate(c transport.Candidate) {
	if !s.neg.haveRemote {
		if len(s.neg.pending) < maxPendingCandidates {
			s.neg.pending = append(s.neg.pending, c)
		}
		return
	}
	s.addCandidate(c)
}

func (s *Session) flushCandidates() {
	pending := s.neg.pending
	s.neg.pending = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c transport.Candidate) {
	err := s.conn.AddICECandidate(c)
	if err == nil {
		return
	}
	if s.neg.ignoringOffer {
		s.log.Debug("Candidate rejected while ignoring offer", "error", err)
		return
	}
	s.log.Warn("Failed to add candidate", "error", err)
	s.metrics.RecordError("candidate", err.Error(), s.peer.Short())
	s.closed("candidate rejected")
}
