// Package ingest turns audio frames streamed over the bus into pipeline runs.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/protocol"
)

const (
	// DefaultStopTimeout bounds one run from the final frame to its outcome.
	DefaultStopTimeout = 3 * time.Minute
	// DefaultIdleTimeout ends a session whose device stopped sending frames
	// without a final one.
	DefaultIdleTimeout = 30 * time.Second
)

// Pipeline is the part of the pipeline driven by streamed sessions.
type Pipeline interface {
	StartRecording(ctx context.Context, src capture.Source, sessionID string) error
	StopRecording(ctx context.Context) (protocol.Outcome, error)
}

type Service struct {
	cfg         config.RecorderConfig
	conn        *nats.Conn
	pipeline    Pipeline
	log         *slog.Logger
	stopTimeout time.Duration
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

// session tracks one device stream. A session that could not start (busy or
// denied) is ignored until its final frame.
type session struct {
	source  *capture.BufferSource
	ignored bool
	// closing marks a recording that started after Close cleared the table.
	closing bool
	idle    *time.Timer
}

func NewService(parent context.Context, cfg config.RecorderConfig, conn *nats.Conn, p Pipeline, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		conn:        conn,
		pipeline:    p,
		log:         log.With(slog.String("component", "ingest")),
		stopTimeout: DefaultStopTimeout,
		idleTimeout: DefaultIdleTimeout,
		sessions:    make(map[string]*session),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.conn.Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.log.Info("listening for audio frames", slog.String("subject", subject))
	return nil
}

// Close stops consuming frames and waits for in-flight runs to finish.
// Sessions still streaming are stopped with the audio received so far.
func (s *Service) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.ready = false
	var pending []string
	for id, sess := range s.sessions {
		sess.idle.Stop()
		delete(s.sessions, id)
		if !sess.ignored {
			s.wg.Add(1)
			pending = append(pending, id)
		}
	}
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, id := range pending {
		s.finish(id)
	}
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return
	}
	// Close waits for callbacks already past this point
	s.wg.Add(1)
	defer s.wg.Done()
	sess := s.sessions[frame.SessionID]
	if sess != nil {
		sess.idle.Reset(s.idleTimeout)
	}
	s.mu.Unlock()

	if sess == nil {
		sess = s.open(frame)
	}

	if !sess.ignored && len(frame.PCM) > 0 {
		if _, err := sess.source.Write(frame.PCM); err != nil {
			s.log.Warn("failed to buffer audio frame",
				slog.String("session_id", frame.SessionID),
				slog.Int("sequence", frame.Sequence),
				slog.String("error", err.Error()))
		}
	}

	if !frame.Final && !sess.closing {
		return
	}
	if s.claim(frame.SessionID, sess) {
		s.finish(frame.SessionID)
	}
}

// claim removes sess from the table and reports whether the caller owns
// stopping its recording. A session already removed by its idle timer or by
// Close, or one that never started, cannot be claimed.
func (s *Service) claim(id string, sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.idle != nil {
		sess.idle.Stop()
		if s.sessions[id] != sess {
			return false
		}
		delete(s.sessions, id)
	}
	if sess.ignored {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) expire(id string, sess *session) {
	if !s.claim(id, sess) {
		return
	}
	s.log.Warn("session went idle without a final frame", slog.String("session_id", id))
	s.finish(id)
}

func (s *Service) open(frame protocol.AudioFrame) *session {
	sampleRate, channels := frame.SampleRate, frame.Channels
	if sampleRate <= 0 {
		sampleRate = s.cfg.SampleRate
	}
	if channels <= 0 {
		channels = s.cfg.Channels
	}
	src := capture.NewBufferSource(s.cfg.TempDir, sampleRate, channels)
	if frame.Error == protocol.FrameErrorPermissionDenied {
		src.Deny()
	}

	sess := &session{source: src}
	if err := s.pipeline.StartRecording(s.ctx, src, frame.SessionID); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, capture.ErrPermissionDenied) {
			level = slog.LevelInfo
		}
		s.log.Log(s.ctx, level, "session not recorded",
			slog.String("session_id", frame.SessionID),
			slog.String("error", err.Error()))
		sess.ignored = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.ready:
		sess.closing = true
	case s.ready && !frame.Final:
		sess.idle = time.AfterFunc(s.idleTimeout, func() { s.expire(frame.SessionID, sess) })
		s.sessions[frame.SessionID] = sess
	}
	return sess
}

// finish stops the recording in the background. The caller has claimed the
// session.
func (s *Service) finish(sessionID string) {
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.stopTimeout)
		defer cancel()
		outcome, err := s.pipeline.StopRecording(ctx)
		if err != nil {
			s.log.Debug("session run failed",
				slog.String("session_id", sessionID),
				slog.String("run_id", outcome.RunID),
				slog.String("error", err.Error()))
			return
		}
		s.log.Debug("session run finished",
			slog.String("session_id", sessionID),
			slog.String("run_id", outcome.RunID),
			slog.String("kind", string(outcome.Kind)))
	}()
}
