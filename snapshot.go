package faalloc

import (
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// SnapshotVersion is the schema version written by WriteJSON and expected by
// ParseSnapshotJSON. Bumped whenever a field is added, renamed, or removed
// in an incompatible way.
const SnapshotVersion = 1

// BackendTotals is the {frame,pool,heap,peak}_bytes tuple shared by the
// top-level summary and each per-thread entry.
type BackendTotals struct {
	FrameBytes int64
	PoolBytes  int64
	HeapBytes  int64
	PeakBytes  int64
}

// ThreadSnapshot is one thread's backend totals at the moment of capture.
type ThreadSnapshot struct {
	ID uint64
	BackendTotals
}

// TagSnapshot is one tag path's attribution totals.
type TagSnapshot struct {
	Path       string
	LiveBytes  int64
	Allocs     int64
	Promotions int64
}

// PromotionsSnapshot summarizes retention outcomes accumulated since the
// allocator was created; taking a snapshot does not reset them.
type PromotionsSnapshot struct {
	ToPool              int64
	ToHeap              int64
	ToScratch           int64
	FailedBudgetExceeded int64
	FailedScratchFull    int64
	FailedOther          int64
}

// TransfersSnapshot reports outstanding and completed transfer handles.
type TransfersSnapshot struct {
	Pending            int64
	CompletedThisFrame int64
}

// DeferredSnapshot reports the deferred-free queue's depth and recent
// throughput.
type DeferredSnapshot struct {
	QueueDepth         int64
	ProcessedThisFrame int64
}

// Snapshot is the schema-v1 point-in-time view of the allocator, captured at
// frame end.
type Snapshot struct {
	Version     int
	Frame       uint64
	Summary     BackendTotals
	Threads     []ThreadSnapshot
	Tags        []TagSnapshot
	Promotions  PromotionsSnapshot
	Transfers   TransfersSnapshot
	Deferred    DeferredSnapshot
	Diagnostics []Diagnostic
}

// Snapshot assembles a point-in-time schema-v1 Snapshot from every thread
// and tag observed so far, plus the process-wide promotion/transfer/deferred
// counters and any backlogged diagnostics. frame should be the caller's own
// frame number (callers typically call this right after EndFrame or
// EndFrameWithPromotions). Cost is bounded by the number of threads and tags
// touched since the allocator was constructed.
func (h *AllocatorHandle) Snapshot(frame uint64) Snapshot {
	s := Snapshot{Version: SnapshotVersion, Frame: frame}

	threadSnapshots := h.state.statsReg.Threads()
	s.Threads = make([]ThreadSnapshot, 0, len(threadSnapshots))
	for id, c := range threadSnapshots {
		totals := BackendTotals{FrameBytes: c.FrameBytes, PoolBytes: c.PoolBytes, HeapBytes: c.HeapBytes, PeakBytes: c.PeakBytes}
		s.Threads = append(s.Threads, ThreadSnapshot{ID: id, BackendTotals: totals})
		s.Summary.FrameBytes += totals.FrameBytes
		s.Summary.PoolBytes += totals.PoolBytes
		s.Summary.HeapBytes += totals.HeapBytes
		if totals.PeakBytes > s.Summary.PeakBytes {
			s.Summary.PeakBytes = totals.PeakBytes
		}
	}

	tagSnapshots := h.state.statsReg.Tags()
	s.Tags = make([]TagSnapshot, 0, len(tagSnapshots))
	for path, t := range tagSnapshots {
		s.Tags = append(s.Tags, TagSnapshot{Path: path, LiveBytes: t.LiveBytes, Allocs: t.Allocs, Promotions: t.Promotions})
	}

	p := &h.state.promotions
	s.Promotions = PromotionsSnapshot{
		ToPool:               p.toPool.Load(),
		ToHeap:               p.toHeap.Load(),
		ToScratch:            p.toScratch.Load(),
		FailedBudgetExceeded: p.failedBudget.Load(),
		FailedScratchFull:    p.failedScratchFull.Load(),
		FailedOther:          p.failedOther.Load(),
	}

	s.Transfers = TransfersSnapshot{
		Pending:            h.state.transfersPending.Load(),
		CompletedThisFrame: h.state.transfersCompletedSinceSnapshot.Swap(0),
	}

	var queueDepth int64
	h.state.mu.Lock()
	for _, tc := range h.state.threads {
		queueDepth += int64(tc.deferredQ.Depth())
	}
	h.state.mu.Unlock()
	s.Deferred = DeferredSnapshot{
		QueueDepth:         queueDepth,
		ProcessedThisFrame: h.state.deferredProcessedSinceSnapshot.Swap(0),
	}

	s.Diagnostics = h.state.drainDiagnostics()
	return s
}

// WriteJSON serializes s to w per the schema-v1 contract: fields that were
// never populated are simply absent from the array/object, never emitted as
// null.
func (s *Snapshot) WriteJSON(w io.Writer) error {
	jw := jwriter.NewWriter()
	obj := jw.Object()

	obj.Name("version").Int(SnapshotVersion)
	obj.Name("frame").Int(int(s.Frame))

	summary := obj.Name("summary").Object()
	writeBackendTotals(&summary, s.Summary)
	summary.End()

	threads := obj.Name("threads").Array()
	for _, th := range s.Threads {
		o := threads.Object()
		o.Name("id").Int(int(th.ID))
		writeBackendTotals(&o, th.BackendTotals)
		o.End()
	}
	threads.End()

	tags := obj.Name("tags").Array()
	for _, tg := range s.Tags {
		o := tags.Object()
		o.Name("path").String(tg.Path)
		o.Name("live_bytes").Int(int(tg.LiveBytes))
		o.Name("allocs").Int(int(tg.Allocs))
		o.Name("promotions").Int(int(tg.Promotions))
		o.End()
	}
	tags.End()

	promotions := obj.Name("promotions").Object()
	promotions.Name("to_pool").Int(int(s.Promotions.ToPool))
	promotions.Name("to_heap").Int(int(s.Promotions.ToHeap))
	promotions.Name("to_scratch").Int(int(s.Promotions.ToScratch))
	failed := promotions.Name("failed").Object()
	failed.Name("budget_exceeded").Int(int(s.Promotions.FailedBudgetExceeded))
	failed.Name("scratch_full").Int(int(s.Promotions.FailedScratchFull))
	failed.Name("other").Int(int(s.Promotions.FailedOther))
	failed.End()
	promotions.End()

	transfers := obj.Name("transfers").Object()
	transfers.Name("pending").Int(int(s.Transfers.Pending))
	transfers.Name("completed_this_frame").Int(int(s.Transfers.CompletedThisFrame))
	transfers.End()

	deferred := obj.Name("deferred").Object()
	deferred.Name("queue_depth").Int(int(s.Deferred.QueueDepth))
	deferred.Name("processed_this_frame").Int(int(s.Deferred.ProcessedThisFrame))
	deferred.End()

	diagnostics := obj.Name("diagnostics").Array()
	for _, d := range s.Diagnostics {
		o := diagnostics.Object()
		o.Name("code").String(string(d.Code))
		o.Name("severity").String(d.Severity.String())
		o.Name("message").String(d.Message)
		if d.TagPath != "" {
			o.Name("location").String(d.TagPath)
		}
		o.End()
	}
	diagnostics.End()

	obj.End()

	if err := jw.Error(); err != nil {
		return err
	}
	_, err := w.Write(jw.Bytes())
	return err
}

func writeBackendTotals(obj *jwriter.ObjectState, t BackendTotals) {
	obj.Name("frame_bytes").Int(int(t.FrameBytes))
	obj.Name("pool_bytes").Int(int(t.PoolBytes))
	obj.Name("heap_bytes").Int(int(t.HeapBytes))
	obj.Name("peak_bytes").Int(int(t.PeakBytes))
}

// ParseSnapshotJSON parses data per the schema-v1 contract.
func ParseSnapshotJSON(data []byte) (*Snapshot, error) {
	r := jreader.NewReader(data)
	var s Snapshot

	obj := r.Object()
	for obj.Next() {
		switch string(obj.Name()) {
		case "version":
			s.Version = r.Int()
		case "frame":
			s.Frame = uint64(r.Int())
		case "summary":
			s.Summary = readBackendTotals(&r)
		case "threads":
			arr := r.Array()
			for arr.Next() {
				var th ThreadSnapshot
				inner := r.Object()
				for inner.Next() {
					switch string(inner.Name()) {
					case "id":
						th.ID = uint64(r.Int())
					case "frame_bytes":
						th.FrameBytes = int64(r.Int())
					case "pool_bytes":
						th.PoolBytes = int64(r.Int())
					case "heap_bytes":
						th.HeapBytes = int64(r.Int())
					case "peak_bytes":
						th.PeakBytes = int64(r.Int())
					}
				}
				s.Threads = append(s.Threads, th)
			}
		case "tags":
			arr := r.Array()
			for arr.Next() {
				var tg TagSnapshot
				inner := r.Object()
				for inner.Next() {
					switch string(inner.Name()) {
					case "path":
						tg.Path = r.String()
					case "live_bytes":
						tg.LiveBytes = int64(r.Int())
					case "allocs":
						tg.Allocs = int64(r.Int())
					case "promotions":
						tg.Promotions = int64(r.Int())
					}
				}
				s.Tags = append(s.Tags, tg)
			}
		case "promotions":
			inner := r.Object()
			for inner.Next() {
				switch string(inner.Name()) {
				case "to_pool":
					s.Promotions.ToPool = int64(r.Int())
				case "to_heap":
					s.Promotions.ToHeap = int64(r.Int())
				case "to_scratch":
					s.Promotions.ToScratch = int64(r.Int())
				case "failed":
					failed := r.Object()
					for failed.Next() {
						switch string(failed.Name()) {
						case "budget_exceeded":
							s.Promotions.FailedBudgetExceeded = int64(r.Int())
						case "scratch_full":
							s.Promotions.FailedScratchFull = int64(r.Int())
						case "other":
							s.Promotions.FailedOther = int64(r.Int())
						}
					}
				}
			}
		case "transfers":
			inner := r.Object()
			for inner.Next() {
				switch string(inner.Name()) {
				case "pending":
					s.Transfers.Pending = int64(r.Int())
				case "completed_this_frame":
					s.Transfers.CompletedThisFrame = int64(r.Int())
				}
			}
		case "deferred":
			inner := r.Object()
			for inner.Next() {
				switch string(inner.Name()) {
				case "queue_depth":
					s.Deferred.QueueDepth = int64(r.Int())
				case "processed_this_frame":
					s.Deferred.ProcessedThisFrame = int64(r.Int())
				}
			}
		case "diagnostics":
			arr := r.Array()
			for arr.Next() {
				var d Diagnostic
				inner := r.Object()
				for inner.Next() {
					switch string(inner.Name()) {
					case "code":
						d.Code = Code(r.String())
					case "severity":
						_ = r.String() // severity is round-tripped as a label only; not re-parsed into Severity
					case "message":
						d.Message = r.String()
					case "location":
						d.TagPath = r.String()
					}
				}
				s.Diagnostics = append(s.Diagnostics, d)
			}
		}
	}

	if err := r.Error(); err != nil {
		return nil, err
	}
	return &s, nil
}

func readBackendTotals(r *jreader.Reader) BackendTotals {
	var t BackendTotals
	obj := r.Object()
	for obj.Next() {
		switch string(obj.Name()) {
		case "frame_bytes":
			t.FrameBytes = int64(r.Int())
		case "pool_bytes":
			t.PoolBytes = int64(r.Int())
		case "heap_bytes":
			t.HeapBytes = int64(r.Int())
		case "peak_bytes":
			t.PeakBytes = int64(r.Int())
		}
	}
	return t
}
