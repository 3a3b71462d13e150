// Package perception defines the detection capabilities the pipeline consumes
// and joins them under a per-frame deadline.
package perception

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/injectwatch/internal/types"
)

var (
	ErrTimeout      = errors.New("perception timeout")
	ErrNoCapability = errors.New("capability not configured")
)

type PoseEstimator interface {
	EstimatePose(ctx context.Context, frame types.Frame) (*types.Pose, error)
}

type SiteClassifier interface {
	ClassifySite(ctx context.Context, frame types.Frame) (*types.SiteDetection, error)
}

type FlowEstimator interface {
	EstimateFlow(ctx context.Context, frame types.Frame) (*types.FlowEstimate, error)
}

// Capabilities bundles the detection backends. Any field may be nil.
type Capabilities struct {
	Pose PoseEstimator
	Site SiteClassifier
	Flow FlowEstimator
}

type Capability string

const (
	CapPose Capability = "pose"
	CapSite Capability = "site"
	CapFlow Capability = "flow"
)

// Degradation records a capability that contributed nothing to a frame.
type Degradation struct {
	Capability Capability
	Err        error
}

type Result struct {
	Detections types.Detections
	// Degraded is ordered pose, site, flow.
	Degraded []Degradation
	Elapsed  time.Duration
}

// Detect runs every configured capability concurrently and returns when all
// have answered or the deadline passes, whichever is first. Answers that
// arrive after the deadline are discarded; their calls see a cancelled
// context.
func Detect(ctx context.Context, caps Capabilities, frame types.Frame, deadline time.Duration) Result {
	begin := time.Now()
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var (
		mu       sync.Mutex
		late     bool
		det      types.Detections
		failures = make(map[Capability]error)
		answered = make(map[Capability]bool)
	)
	finish := func(c Capability, err error, store func()) {
		mu.Lock()
		defer mu.Unlock()
		if late {
			return
		}
		answered[c] = true
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrTimeout
			}
			failures[c] = err
			return
		}
		store()
	}

	var g errgroup.Group
	if caps.Pose != nil {
		g.Go(func() error {
			p, err := caps.Pose.EstimatePose(dctx, frame)
			finish(CapPose, err, func() { det.Pose = p })
			return nil
		})
	}
	if caps.Site != nil {
		g.Go(func() error {
			s, err := caps.Site.ClassifySite(dctx, frame)
			finish(CapSite, err, func() { det.Site = s })
			return nil
		})
	}
	if caps.Flow != nil {
		g.Go(func() error {
			f, err := caps.Flow.EstimateFlow(dctx, frame)
			finish(CapFlow, err, func() { det.Flow = f })
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-dctx.Done():
	}

	mu.Lock()
	late = true
	res := Result{Detections: det, Elapsed: time.Since(begin)}
	configured := map[Capability]bool{CapPose: caps.Pose != nil, CapSite: caps.Site != nil, CapFlow: caps.Flow != nil}
	for _, c := range []Capability{CapPose, CapSite, CapFlow} {
		switch {
		case !configured[c]:
			res.Degraded = append(res.Degraded, Degradation{Capability: c, Err: ErrNoCapability})
		case !answered[c]:
			err := ErrTimeout
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			res.Degraded = append(res.Degraded, Degradation{Capability: c, Err: err})
		case failures[c] != nil:
			res.Degraded = append(res.Degraded, Degradation{Capability: c, Err: failures[c]})
		}
	}
	mu.Unlock()
	return res
}
