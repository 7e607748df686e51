package session

import (
	"time"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/stream"
)

func (s *Session) handlers() map[stream.MessageType]stream.HandlerFunc {
	return map[stream.MessageType]stream.HandlerFunc{
		stream.MessageTypeJobUpdate:         s.handleJobUpdate,
		stream.MessageTypeJobListSnapshot:   s.handleSnapshot,
		stream.MessageTypeAggregationResult: s.handleAggregationResult,
		stream.MessageTypeHealthReport:      s.handleHealthReport,
		stream.MessageTypePong:              s.handlePong,
		stream.MessageTypeReconnectRequest:  s.handleReconnectRequest,
		stream.MessageTypeBroadcastNotice:   s.handleNotice,
	}
}

// frameVersion orders a push write: the server timestamp when present,
// otherwise the receive time.
func (s *Session) frameVersion(f stream.Frame) time.Time {
	if ts := f.Time(); !ts.IsZero() {
		return ts
	}
	return s.clock.Now()
}

func (s *Session) applyPayload(p stream.JobPayload, version time.Time) {
	job, _ := s.store.Apply(jobs.Update{
		JobID:        p.Key(),
		Status:       jobs.Normalize(p.Status),
		RawStatus:    p.Status,
		Participants: p.Participants,
		Result:       p.Result,
		ErrorMessage: p.ErrorMessage,
		Version:      version,
		Source:       jobs.SourcePush,
	})
	s.stopPollerIfTerminal(job)
}

func (s *Session) handleJobUpdate(f stream.Frame) error {
	p, err := f.JobUpdateData()
	if err != nil {
		return err
	}
	s.applyPayload(*p, s.frameVersion(f))
	return nil
}

func (s *Session) handleSnapshot(f stream.Frame) error {
	list, err := f.SnapshotData()
	if err != nil {
		return err
	}
	version := s.frameVersion(f)
	for _, p := range list {
		if p.Key() == "" {
			continue
		}
		s.applyPayload(p, version)
	}
	s.logger.Debug("applied job snapshot", "jobs", len(list))
	return nil
}

func (s *Session) handleAggregationResult(f stream.Frame) error {
	p, err := f.AggregationResultData()
	if err != nil {
		return err
	}
	job, _ := s.store.Apply(jobs.Update{
		JobID:   p.JobID,
		Status:  jobs.StatusCompleted,
		Result:  p.Result,
		Version: s.frameVersion(f),
		Source:  jobs.SourcePush,
	})
	s.stopPollerIfTerminal(job)
	return nil
}

func (s *Session) handleHealthReport(f stream.Frame) error {
	health, err := f.HealthReportData()
	if err != nil {
		return err
	}
	s.ind.update(func(ind *Indicator) { ind.Health = health })
	return nil
}

func (s *Session) handlePong(f stream.Frame) error {
	echoed, err := f.PongTime()
	if err != nil {
		return err
	}
	s.hb.HandlePong(echoed)
	if sample, ok := s.hb.Latest(); ok {
		s.ind.update(func(ind *Indicator) {
			ind.Latency = sample.RTT
			ind.LatencyAt = sample.SentAt.Add(sample.RTT)
			ind.HasRTT = true
		})
	}
	return nil
}

func (s *Session) handleReconnectRequest(f stream.Frame) error {
	req, err := f.ReconnectData()
	if err != nil {
		return err
	}
	reason := "server requested reconnect"
	if req.Reason != "" {
		reason += ": " + req.Reason
	}
	s.mgr.Drop(reason)
	return nil
}

func (s *Session) handleNotice(f stream.Frame) error {
	n, err := f.NoticeData()
	if err != nil {
		return err
	}
	s.logger.Info("server notice", "message", n.Message, "level", n.Level)
	s.ind.update(func(ind *Indicator) {
		ind.Notice = *n
		ind.NoticeSeq++
	})
	return nil
}
