// Package recorder runs one recording end to end: it creates the meeting on
// the backend, captures and encodes audio, streams it over the transport,
// reconciles the transcript that comes back and, once the recording ends,
// uploads the finalized segments and requests a summary.
//
// A single event-loop goroutine owns the transcript and all sends on the
// transport. Audio frames are processed on their own goroutine and reach the
// loop only as [audio.Result] values on a channel, so the capture path never
// waits on the network.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/meetscribe/internal/meetingapi"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/capture"
	"github.com/MrWong99/meetscribe/pkg/transcript"
	"github.com/MrWong99/meetscribe/pkg/transport"
)

const (
	elapsedInterval      = time.Second
	resultBuffer         = 16
	defaultUploadTimeout = 2 * time.Minute
)

var (
	// ErrDeviceInterrupted ends a recording whose capture device went away.
	// It wraps the capture error.
	ErrDeviceInterrupted = errors.New("recorder: capture device interrupted")

	// ErrAlreadyStarted is returned by [Recorder.Start] on a second call.
	ErrAlreadyStarted = errors.New("recorder: already started")
)

// MeetingAPI is the part of the meeting REST API a recording uses.
// [*meetingapi.Client] satisfies it.
type MeetingAPI interface {
	Health(ctx context.Context) error
	CreateMeeting(ctx context.Context, req meetingapi.MeetingCreate) (*meetingapi.Meeting, error)
	DeleteMeeting(ctx context.Context, id string) error
	AddSegments(ctx context.Context, id string, segs []meetingapi.TranscriptSegment) error
	GenerateSummary(ctx context.Context, id string, opts meetingapi.SummaryOptions) (*meetingapi.SummaryTask, error)
}

// Capturer starts audio capture. [*capture.Session] satisfies it.
type Capturer interface {
	Start(ctx context.Context, sel capture.Selector) (*capture.Handle, error)
}

// Config holds the dependencies and settings of one recording.
type Config struct {
	API     MeetingAPI
	Capture Capturer
	Source  capture.Selector

	// Meeting is the record created on the backend. An empty title becomes
	// "Meeting <local timestamp>".
	Meeting meetingapi.MeetingCreate

	// StreamURL is the WebSocket endpoint; Stream is the config frame sent
	// once it opens. Stream.MeetingID is filled in by the recorder.
	StreamURL string
	Stream    transport.Config

	// Token is sent as a bearer token with the WebSocket upgrade.
	Token string

	// Dialer replaces the WebSocket dialer. Used by tests.
	Dialer transport.Dialer

	SilenceGate bool
	Processor   audio.ProcessorConfig
	Heartbeat   transport.HeartbeatConfig

	// Summary, when non-nil, requests a summary after the segments are
	// uploaded.
	Summary *meetingapi.SummaryOptions

	// Upload tunes retries of the post-recording segment upload.
	Upload resilience.RetryConfig

	// UploadTimeout bounds the whole post-recording phase. Default: 2m.
	UploadTimeout time.Duration

	Metrics *observe.Metrics
}

// Recorder owns one recording. Create it with [New], run it with
// [Recorder.Start] and end it with [Recorder.Stop]. A Recorder is single
// use. All exported methods are safe for concurrent use.
type Recorder struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state Snapshot
	err   error

	// Owned by the event loop.
	rec *transcript.Reconciler

	pubMu    sync.Mutex
	updates  chan Snapshot
	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// session bundles the resources opened by Start, released in teardown.
type session struct {
	meetingID  string
	handle     *capture.Handle
	tr         *transport.Transport
	hb         *transport.Heartbeat
	results    chan audio.Result
	procCancel context.CancelFunc
	procDone   chan struct{}
	startedAt  time.Time

	// Event loop only.
	encodeDrops int64
}

func (s *session) dropped() int64 { return s.handle.Dropped() + s.encodeDrops }

// New validates cfg and returns an idle Recorder.
func New(cfg Config) (*Recorder, error) {
	var errs []error
	if cfg.API == nil {
		errs = append(errs, errors.New("API is required"))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("Capture is required"))
	}
	if cfg.StreamURL == "" {
		errs = append(errs, errors.New("StreamURL is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.Upload.Name == "" {
		cfg.Upload.Name = "upload segments"
	}
	if cfg.Upload.Retryable == nil {
		cfg.Upload.Retryable = func(err error) bool {
			return !errors.Is(err, resilience.ErrCircuitOpen) && meetingapi.IsBackendFailure(err)
		}
	}

	id := uuid.NewString()
	return &Recorder{
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     slog.With("session_id", id),
		now:     time.Now,
		state: Snapshot{
			SessionID: id,
			Source:    cfg.Source.String(),
			Status:    StatusIdle,
		},
		rec:     transcript.NewReconciler(),
		updates: make(chan Snapshot, 1),
		stopReq: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Snapshot returns a copy of the current state.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Updates delivers a snapshot after every visible change. Only the latest
// undelivered snapshot is kept; a slow reader skips intermediate states
// and never stalls the recording. The channel is not closed; select on
// [Recorder.Done] as well.
func (r *Recorder) Updates() <-chan Snapshot { return r.updates }

// Done is closed once the recording has ended and the post-recording
// upload has finished.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Err returns why the recording ended abnormally, joined with any upload
// failure. It is nil for a recording that was stopped normally.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Start creates the meeting, opens the capture source and the transport and
// launches the event loop. ctx bounds the whole recording: cancelling it
// tears the recording down the same way [Recorder.Stop] does.
//
// Capture errors (permission, missing device, unsupported source) abort
// the start before any connection to the streaming endpoint is made.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state.Status != StatusIdle {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.state.Status = StatusStarting
	r.mu.Unlock()
	r.publish()

	runCtx := ctx
	ctx, span := observe.StartSpan(ctx, "recorder.start",
		trace.WithAttributes(attribute.String("source", r.cfg.Source.String())))
	defer span.End()

	// Wakes a cold backend before the stream is opened.
	if err := r.cfg.API.Health(ctx); err != nil {
		r.log.Warn("recorder: backend health check failed, continuing", "err", err)
	}

	create := r.cfg.Meeting
	if create.Title == "" {
		create.Title = "Meeting " + r.now().Format("2006-01-02 15:04")
	}
	meeting, err := r.cfg.API.CreateMeeting(ctx, create)
	if err != nil {
		return r.abort(span, fmt.Errorf("recorder: create meeting: %w", err))
	}
	r.log = r.log.With("meeting_id", meeting.ID)
	span.SetAttributes(attribute.String("meeting_id", meeting.ID))

	r.mu.Lock()
	r.state.MeetingID = meeting.ID
	r.state.Title = create.Title
	r.mu.Unlock()

	handle, err := r.cfg.Capture.Start(ctx, r.cfg.Source)
	if err != nil {
		r.discardMeeting(ctx, meeting.ID)
		return r.abort(span, fmt.Errorf("recorder: %w", err))
	}

	streamCfg := r.cfg.Stream
	streamCfg.MeetingID = meeting.ID
	tr := transport.New(streamCfg, r.transportOptions(runCtx)...)
	if err := tr.Open(ctx, r.cfg.StreamURL); err != nil {
		handle.Stop()
		r.discardMeeting(ctx, meeting.ID)
		return r.abort(span, fmt.Errorf("recorder: %w", err))
	}

	proc := audio.NewProcessor(r.cfg.Processor)
	procCtx, procCancel := context.WithCancel(context.Background())
	s := &session{
		meetingID:  meeting.ID,
		handle:     handle,
		tr:         tr,
		results:    make(chan audio.Result, resultBuffer),
		procCancel: procCancel,
		procDone:   make(chan struct{}),
		startedAt:  r.now(),
	}
	go func() {
		defer close(s.procDone)
		proc.Run(procCtx, handle.Frames(), s.results)
	}()

	hbCfg := r.cfg.Heartbeat
	if hbCfg.OnStale == nil {
		hbCfg.OnStale = func(since time.Duration) {
			r.log.Warn("recorder: streaming connection looks stale", "since", since.Round(time.Second))
		}
	}
	s.hb = transport.NewHeartbeat(tr, hbCfg)
	s.hb.Start()

	r.mu.Lock()
	r.state.Status = StatusRecording
	r.state.Recording = true
	r.state.StartedAt = s.startedAt
	r.mu.Unlock()
	r.publish()

	r.metrics.ActiveSessions.Add(runCtx, 1)
	r.log.Info("recorder: recording started", "source", r.cfg.Source.String(), "title", create.Title)

	go r.loop(runCtx, s)
	return nil
}

// Stop ends the recording and waits until the post-recording upload has
// finished or ctx is done. It is idempotent and may be called before Start,
// in which case the recorder simply becomes stopped.
func (r *Recorder) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopReq) })

	r.mu.Lock()
	idle := r.state.Status == StatusIdle
	if idle {
		r.state.Status = StatusStopped
	}
	r.mu.Unlock()
	if idle {
		r.publish()
		r.finish()
	}

	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) transportOptions(ctx context.Context) []transport.Option {
	dialer := r.cfg.Dialer
	if dialer == nil {
		var header http.Header
		if r.cfg.Token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + r.cfg.Token}}
		}
		dialer = transport.WebSocketDialer(header)
	}
	return []transport.Option{
		transport.WithDialer(dialer),
		transport.WithSilenceGate(r.cfg.SilenceGate),
		transport.WithStateHook(func(s transport.State) {
			r.metrics.RecordStateChange(ctx, s.String())
			r.mu.Lock()
			r.state.Transport = s
			r.mu.Unlock()
			r.publish()
		}),
		transport.WithChunkHook(func(o transport.Outcome) {
			r.metrics.RecordChunk(ctx, o.String())
		}),
		transport.WithRTTHook(func(d time.Duration) {
			r.metrics.HeartbeatRTT.Record(ctx, d.Seconds())
		}),
	}
}

// abort records a failed start.
func (r *Recorder) abort(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.log.Error("recorder: start failed", "err", err)

	r.mu.Lock()
	r.state.Status = StatusFailed
	r.state.Err = err.Error()
	r.err = err
	r.mu.Unlock()
	r.publish()
	r.finish()
	return err
}

// discardMeeting removes a meeting record that will never receive audio.
func (r *Recorder) discardMeeting(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.cfg.API.DeleteMeeting(ctx, id); err != nil {
		r.log.Warn("recorder: could not delete unused meeting", "err", err)
	}
}

// ── event loop ──────────────────────────────────────────────────────────────

func (r *Recorder) loop(ctx context.Context, s *session) {
	ticker := time.NewTicker(elapsedInterval)
	status, cause := r.run(ctx, s, ticker)
	r.teardown(ctx, s, ticker)
	r.finalize(ctx, s, status, cause)
}

// run dispatches events until one of them ends the recording.
func (r *Recorder) run(ctx context.Context, s *session, ticker *time.Ticker) (Status, error) {
	for {
		select {
		case <-r.stopReq:
			return StatusStopped, nil
		case <-ctx.Done():
			return StatusStopped, nil
		case res := <-s.results:
			r.handleResult(ctx, s, res)
		case msg := <-s.tr.Inbound():
			r.handleMessage(ctx, msg)
		case <-ticker.C:
			r.tick(s)
		case <-s.handle.Interrupted():
			return StatusInterrupted, fmt.Errorf("%w: %w", ErrDeviceInterrupted, s.handle.Err())
		case <-s.tr.Done():
			err := s.tr.Err()
			if err == nil {
				err = transport.ErrConnectionLost
			}
			return StatusFailed, err
		}
	}
}

func (r *Recorder) handleResult(ctx context.Context, s *session, res audio.Result) {
	r.metrics.AudioFrames.Add(ctx, 1)
	r.metrics.AudioLevel.Record(ctx, res.Level.RMS)

	if res.Dropped {
		r.metrics.RecordFrameDropped(ctx, "encode")
	} else {
		s.tr.SendAudio(res.Chunk)
	}

	if res.Dropped {
		s.encodeDrops++
	}
	r.mu.Lock()
	r.state.Level = res.Level
	r.state.DroppedFrames = s.dropped()
	r.mu.Unlock()
	r.publish()
}

func (r *Recorder) handleMessage(ctx context.Context, msg transport.Message) {
	if msg.Type == transport.TypeError {
		be := &transport.BackendError{SegmentID: string(msg.ID), Message: msg.Content}
		r.metrics.BackendErrors.Add(ctx, 1)
		r.log.Warn("recorder: backend reported an error", "err", be)
		r.mu.Lock()
		r.state.LastBackendError = be.Error()
		r.mu.Unlock()
		r.publish()
		return
	}

	stage, ok := transcript.ParseStage(string(msg.Type))
	if !ok {
		return
	}
	r.metrics.RecordTranscriptMessage(ctx, stage.String())
	if !r.rec.Apply(transcript.Update{
		ID:         string(msg.ID),
		Stage:      stage,
		Content:    msg.Content,
		Translated: msg.Translated,
	}) {
		return
	}

	segs := r.rec.Segments()
	var partial *transcript.Segment
	if p, ok := r.rec.CurrentPartial(); ok {
		partial = &p
	}
	r.mu.Lock()
	r.state.Segments = segs
	r.state.Partial = partial
	r.mu.Unlock()
	r.publish()
}

func (r *Recorder) tick(s *session) {
	r.mu.Lock()
	r.state.Elapsed = r.now().Sub(s.startedAt).Truncate(time.Second)
	r.mu.Unlock()
	r.publish()
}

// teardown releases the session's resources in order: heartbeat, elapsed
// timer, processor, capture device, transport. Messages that arrive while
// the transport closes are still reconciled.
func (r *Recorder) teardown(ctx context.Context, s *session, ticker *time.Ticker) {
	r.mu.Lock()
	r.state.Status = StatusStopping
	r.state.Recording = false
	r.mu.Unlock()
	r.publish()

	s.hb.Stop()
	ticker.Stop()
	s.procCancel()
	<-s.procDone
	s.handle.Stop()

	closed := make(chan struct{})
	go func() {
		_ = s.tr.Close()
		close(closed)
	}()
closing:
	for {
		select {
		case msg := <-s.tr.Inbound():
			r.handleMessage(ctx, msg)
		case <-closed:
			break closing
		}
	}
	for {
		select {
		case msg := <-s.tr.Inbound():
			r.handleMessage(ctx, msg)
		default:
			return
		}
	}
}

func (r *Recorder) finalize(ctx context.Context, s *session, status Status, cause error) {
	elapsed := r.now().Sub(s.startedAt)
	r.metrics.ActiveSessions.Add(ctx, -1)
	r.metrics.SessionDuration.Record(ctx, elapsed.Seconds())

	uploadErr := r.upload(ctx, s)

	r.mu.Lock()
	r.state.Status = status
	r.state.Elapsed = elapsed.Truncate(time.Second)
	r.state.Partial = nil
	r.state.DroppedFrames = s.dropped()
	r.err = errors.Join(cause, uploadErr)
	if r.err != nil {
		r.state.Err = r.err.Error()
	}
	r.mu.Unlock()
	r.publish()

	if cause != nil {
		r.log.Warn("recorder: recording ended", "status", status, "elapsed", elapsed.Round(time.Second), "err", cause)
	} else {
		r.log.Info("recorder: recording ended", "status", status, "elapsed", elapsed.Round(time.Second))
	}
	r.finish()
}

// upload sends the finalized transcript and requests the summary. It runs
// after teardown on a context detached from the recording's cancellation.
func (r *Recorder) upload(ctx context.Context, s *session) error {
	segs := meetingapi.SegmentsFromTranscript(r.rec.Finalized())
	if len(segs) == 0 {
		r.log.Info("recorder: no finalized segments to upload")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.UploadTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "recorder.upload",
		trace.WithAttributes(
			attribute.String("meeting_id", s.meetingID),
			attribute.Int("segments", len(segs)),
		))
	defer span.End()

	err := resilience.Retry(ctx, r.cfg.Upload, func(ctx context.Context) error {
		return r.cfg.API.AddSegments(ctx, s.meetingID, segs)
	})
	if err != nil {
		err = fmt.Errorf("recorder: upload segments: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("recorder: transcript upload failed", "segments", len(segs), "err", err)
		return err
	}
	r.log.Info("recorder: transcript uploaded", "segments", len(segs))

	if r.cfg.Summary == nil {
		return nil
	}
	task, err := r.cfg.API.GenerateSummary(ctx, s.meetingID, *r.cfg.Summary)
	if err != nil {
		err = fmt.Errorf("recorder: generate summary: %w", err)
		span.RecordError(err)
		r.log.Error("recorder: summary request failed", "err", err)
		return err
	}
	r.mu.Lock()
	r.state.SummaryTaskID = task.TaskID
	r.mu.Unlock()
	r.log.Info("recorder: summary requested", "task_id", task.TaskID)
	return nil
}

// publish offers the current snapshot to Updates, replacing an undelivered
// one.
func (r *Recorder) publish() {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	snap := r.Snapshot()
	for {
		select {
		case r.updates <- snap:
			return
		default:
		}
		select {
		case <-r.updates:
		default:
		}
	}
}

func (r *Recorder) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}
