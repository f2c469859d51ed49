// Package analyzer implements the Two-Stage Analyzer (§4.5): a per-source
// state machine that screens on a short window, escalates positives to
// confirmation on a long window, and emits ConfirmedIncidents.
package analyzer

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/technosupport/sentrymesh/internal/ring"
	"github.com/technosupport/sentrymesh/internal/vision"
)

// Config carries the pipeline timing knobs, all overridable via env (§6.6).
type Config struct {
	ScreenIntervalS  float64
	ShortWindowS     float64
	LongWindowS      float64
	ConfirmThreshold int
}

// DefaultConfig matches §4.5's stated defaults.
var DefaultConfig = Config{
	ScreenIntervalS:  3,
	ShortWindowS:     3,
	LongWindowS:      10,
	ConfirmThreshold: 1,
}

// FallbackScreenerOnly marks a ConfirmedIncident emitted because the
// confirmer errored after a positive screener (§4.5 fail-open).
const FallbackScreenerOnly = "fallback-screener-only"

// IncidentCandidate is produced by a positive screener and carried forward
// into confirmation (§3).
type IncidentCandidate struct {
	Source          string
	DetectedAt      time.Time
	ScreenerVerdict vision.AnalysisVerdict
	CapturedWindow  []ring.Frame
}

// ConfirmedIncident is a candidate the confirmer agreed with, or that was
// fallen-open on confirmer failure.
type ConfirmedIncident struct {
	IncidentCandidate
	ConfirmerVerdict vision.AnalysisVerdict
	ConfirmerSource  string // "" normally, FallbackScreenerOnly on fail-open
}

// Metrics is the narrow set of counters the analyzer reports; satisfied by
// internal/metrics.Registry via small adapter methods in cmd/server.
type Metrics interface {
	ScreenerRun(result string)
	ConfirmerRun(result string)
	ScreenTickDropped()
}

type noopMetrics struct{}

func (noopMetrics) ScreenerRun(string)  {}
func (noopMetrics) ConfirmerRun(string) {}
func (noopMetrics) ScreenTickDropped()  {}

// Analyzer runs the state machine for exactly one (tenant, source) pair.
type Analyzer struct {
	Source  string
	Ring    *ring.Ring
	Vision  *vision.Client
	Config  Config
	Metrics Metrics

	// OnConfirmed is called once per emitted ConfirmedIncident, synchronously
	// on the goroutine running the cycle; the analyzer stays busy until it
	// returns, so slow work in it delays the next screen.
	OnConfirmed func(ConfirmedIncident)

	busy atomic.Bool
}

// Busy reports whether a screen/confirm cycle is currently in flight.
// Mainly useful for tests; production callers just call Tick on schedule.
func (a *Analyzer) Busy() bool {
	return a.busy.Load()
}

// Tick evaluates one timer firing. If the source is already mid-screen or
// mid-confirm, the tick is dropped, not queued (§4.5).
func (a *Analyzer) Tick(ctx context.Context, now time.Time) {
	if !a.busy.CompareAndSwap(false, true) {
		if a.Metrics != nil {
			a.Metrics.ScreenTickDropped()
		} else {
			noopMetrics{}.ScreenTickDropped()
		}
		return
	}
	go func() {
		defer a.busy.Store(false)
		a.runScreenAndConfirm(ctx, now)
	}()
}

func (a *Analyzer) metrics() Metrics {
	if a.Metrics != nil {
		return a.Metrics
	}
	return noopMetrics{}
}

func (a *Analyzer) runScreenAndConfirm(ctx context.Context, now time.Time) {
	shortWindow := a.Ring.Recent(now, durationSeconds(a.Config.ShortWindowS))
	if len(shortWindow) == 0 {
		return
	}
	latest := shortWindow[len(shortWindow)-1]

	verdict, err := a.Vision.Analyze(ctx, vision.RoleScreener, []vision.Frame{toVisionFrame(latest, "")}, "")
	if err != nil {
		// Both permanent and transient screener errors fail closed (§4.5):
		// treat as negative rather than risk a false alarm.
		log.Printf("[analyzer:%s] screener error, treating as negative: %v", a.Source, err)
		a.metrics().ScreenerRun("error")
		return
	}

	if !verdict.Incident {
		a.metrics().ScreenerRun("negative")
		return
	}
	a.metrics().ScreenerRun("positive")

	longWindow := a.Ring.Snapshot(now, durationSeconds(a.Config.LongWindowS))
	candidate := IncidentCandidate{
		Source:          a.Source,
		DetectedAt:      now,
		ScreenerVerdict: verdict,
		CapturedWindow:  longWindow,
	}

	a.confirm(ctx, candidate)
}

func (a *Analyzer) confirm(ctx context.Context, candidate IncidentCandidate) {
	reps := representativeFrames(candidate.CapturedWindow)
	frames := make([]vision.Frame, len(reps))
	for i, rf := range reps {
		frames[i] = toVisionFrame(rf.frame, rf.position)
	}

	confirmerVerdict, err := a.Vision.Analyze(ctx, vision.RoleConfirmer, frames, "")
	if err != nil {
		// Fail-open: a screener hit with no confirmation signal is still
		// reported (§4.5) rather than silently dropped.
		log.Printf("[analyzer:%s] confirmer error, emitting fallback: %v", a.Source, err)
		a.metrics().ConfirmerRun("fallback")
		a.emit(ConfirmedIncident{
			IncidentCandidate: candidate,
			ConfirmerVerdict:  vision.AnalysisVerdict{},
			ConfirmerSource:   FallbackScreenerOnly,
		})
		return
	}

	if confirmerVerdict.CountIncidents() >= a.Config.ConfirmThreshold {
		a.metrics().ConfirmerRun("confirmed")
		a.emit(ConfirmedIncident{
			IncidentCandidate: candidate,
			ConfirmerVerdict:  confirmerVerdict,
		})
		return
	}

	a.metrics().ConfirmerRun("vetoed")
}

func (a *Analyzer) emit(ci ConfirmedIncident) {
	if a.OnConfirmed != nil {
		a.OnConfirmed(ci)
	}
}

// OnDemandResult is the synchronous outcome of one screen(+confirm) cycle,
// returned directly to the caller instead of only flowing through
// OnConfirmed. Used by the on-demand analyze endpoint (§4.11); the scheduled
// Tick loop above still reports exclusively via OnConfirmed.
type OnDemandResult struct {
	// Busy reports that a screen/confirm cycle (scheduled Tick or another
	// RunOnce) was already in flight for this source; every other field is
	// zero-valued and no vision call was made (§5: at most one vision call
	// in flight per source at a time).
	Busy              bool
	HasIncident       bool
	FlashConfirmation bool
	FlashVeto         bool
	IncidentKind      string
	Narrative         string
	PerFrame          []vision.PerFrameVerdict
}

// RunOnce performs one screen-then-confirm cycle synchronously and returns
// its outcome. A confirmed incident is still emitted through OnConfirmed, so
// an on-demand confirmation flows into the same clip/alert pipeline a
// background Tick confirmation would. RunOnce shares Tick's busy
// CompareAndSwap gate (§5): if a cycle is already in flight for this source,
// it returns immediately with Busy set rather than racing a second vision
// call against it.
func (a *Analyzer) RunOnce(ctx context.Context, now time.Time) (OnDemandResult, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return OnDemandResult{Busy: true}, nil
	}
	defer a.busy.Store(false)

	shortWindow := a.Ring.Recent(now, durationSeconds(a.Config.ShortWindowS))
	if len(shortWindow) == 0 {
		return OnDemandResult{}, nil
	}
	latest := shortWindow[len(shortWindow)-1]

	verdict, err := a.Vision.Analyze(ctx, vision.RoleScreener, []vision.Frame{toVisionFrame(latest, "")}, "")
	if err != nil {
		a.metrics().ScreenerRun("error")
		return OnDemandResult{}, err
	}
	if !verdict.Incident {
		a.metrics().ScreenerRun("negative")
		return OnDemandResult{}, nil
	}
	a.metrics().ScreenerRun("positive")

	longWindow := a.Ring.Snapshot(now, durationSeconds(a.Config.LongWindowS))
	candidate := IncidentCandidate{
		Source:          a.Source,
		DetectedAt:      now,
		ScreenerVerdict: verdict,
		CapturedWindow:  longWindow,
	}

	reps := representativeFrames(candidate.CapturedWindow)
	frames := make([]vision.Frame, len(reps))
	for i, rf := range reps {
		frames[i] = toVisionFrame(rf.frame, rf.position)
	}

	confirmerVerdict, err := a.Vision.Analyze(ctx, vision.RoleConfirmer, frames, "")
	if err != nil {
		a.metrics().ConfirmerRun("fallback")
		a.emit(ConfirmedIncident{IncidentCandidate: candidate, ConfirmerSource: FallbackScreenerOnly})
		return OnDemandResult{
			HasIncident:  true,
			IncidentKind: verdict.IncidentKind,
			Narrative:    verdict.Narrative,
			PerFrame:     verdict.PerFrame,
		}, nil
	}

	if confirmerVerdict.CountIncidents() >= a.Config.ConfirmThreshold {
		a.metrics().ConfirmerRun("confirmed")
		a.emit(ConfirmedIncident{IncidentCandidate: candidate, ConfirmerVerdict: confirmerVerdict})
		return OnDemandResult{
			HasIncident:       true,
			FlashConfirmation: true,
			IncidentKind:      confirmerVerdict.IncidentKind,
			Narrative:         confirmerVerdict.Narrative,
			PerFrame:          confirmerVerdict.PerFrame,
		}, nil
	}

	a.metrics().ConfirmerRun("vetoed")
	return OnDemandResult{
		FlashVeto:    true,
		IncidentKind: verdict.IncidentKind,
		Narrative:    verdict.Narrative,
		PerFrame:     verdict.PerFrame,
	}, nil
}

type repFrame struct {
	frame    ring.Frame
	position string
}

// representativeFrames selects up to 3 frames at {start, middle, end} of
// window. If fewer than 3 frames exist, it uses what's available (§4.5).
func representativeFrames(window []ring.Frame) []repFrame {
	n := len(window)
	switch {
	case n == 0:
		return nil
	case n == 1:
		return []repFrame{{window[0], "start"}}
	case n == 2:
		return []repFrame{{window[0], "start"}, {window[1], "end"}}
	default:
		return []repFrame{
			{window[0], "start"},
			{window[n/2], "middle"},
			{window[n-1], "end"},
		}
	}
}

func toVisionFrame(f ring.Frame, position string) vision.Frame {
	return vision.Frame{
		PayloadBytes:    f.PayloadBytes,
		PayloadEncoding: f.PayloadEncoding,
		Position:        position,
	}
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
