package perception

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/user/injectwatch/internal/rules"
	"github.com/user/injectwatch/internal/types"
)

var ErrSimulatedFailure = errors.New("simulated model failure")

// Simulator answers all three capabilities from a scenario. Frames are
// mapped to steps by their offset from Start.
type Simulator struct {
	Scenario *Scenario
	Start    time.Time
}

func NewSimulator(sc *Scenario, start time.Time) *Simulator {
	return &Simulator{Scenario: sc, Start: start}
}

// Capabilities returns the simulator wired into every slot.
func (s *Simulator) Capabilities() Capabilities {
	return Capabilities{Pose: s, Site: s, Flow: s}
}

func (s *Simulator) step(frame types.Frame) *Step {
	return s.Scenario.StepAt(frame.At.Sub(s.Start))
}

func (s *Simulator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) EstimatePose(ctx context.Context, frame types.Frame) (*types.Pose, error) {
	st := s.step(frame)
	if err := s.wait(ctx, st.Latency.Pose); err != nil {
		return nil, err
	}
	if st.fails(CapPose) {
		return nil, ErrSimulatedFailure
	}
	if st.Angle == nil {
		return nil, nil
	}
	return ArmPose(*st.Angle, st.PoseConfidence), nil
}

func (s *Simulator) ClassifySite(ctx context.Context, frame types.Frame) (*types.SiteDetection, error) {
	st := s.step(frame)
	if err := s.wait(ctx, st.Latency.Site); err != nil {
		return nil, err
	}
	if st.fails(CapSite) {
		return nil, ErrSimulatedFailure
	}
	if st.Site == nil {
		return nil, nil
	}
	return &types.SiteDetection{Site: *st.Site, Confidence: st.SiteConfidence}, nil
}

func (s *Simulator) EstimateFlow(ctx context.Context, frame types.Frame) (*types.FlowEstimate, error) {
	st := s.step(frame)
	if err := s.wait(ctx, st.Latency.Flow); err != nil {
		return nil, err
	}
	if st.fails(CapFlow) {
		return nil, ErrSimulatedFailure
	}
	if st.Speed == nil {
		return nil, nil
	}
	return &types.FlowEstimate{Speed: *st.Speed, Retracting: st.Retracting, Confidence: st.FlowConfidence}, nil
}

// ArmPose places shoulder, elbow and wrist so the elbow angle is deg.
func ArmPose(deg, conf float64) *types.Pose {
	rad := deg * math.Pi / 180
	const ex, ey, r = 320.0, 300.0, 100.0
	return &types.Pose{
		Confidence: conf,
		Keypoints: map[string]types.Keypoint{
			rules.Shoulder: {X: ex, Y: ey - r, Confidence: conf},
			rules.Elbow:    {X: ex, Y: ey, Confidence: conf},
			rules.Wrist:    {X: ex + r*math.Sin(rad), Y: ey - r*math.Cos(rad), Confidence: conf},
		},
	}
}
