// internal/types/observation.go
package types

import "time"

// Frame is one captured image handed to the perception capabilities.
type Frame struct {
	ID     FrameID   `json:"id"`
	At     time.Time `json:"at"`
	Width  int       `json:"width,omitempty"`
	Height int       `json:"height,omitempty"`
	Data   []byte    `json:"-"`
}

// Keypoint is a pose landmark in image coordinates.
type Keypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Pose is the output of the pose-estimation capability.
type Pose struct {
	Keypoints  map[string]Keypoint `json:"keypoints"`
	Confidence float64             `json:"confidence"`
}

// Site is an anatomical injection site category.
type Site string

const (
	SiteAbdomen  Site = "abdomen"
	SiteThigh    Site = "thigh"
	SiteUpperArm Site = "upper_arm"
	SiteButtock  Site = "buttock"
)

// RecommendedSites are the sites accepted when a profile names none.
var RecommendedSites = []Site{SiteAbdomen, SiteThigh, SiteUpperArm}

// Recommended reports whether s is in RecommendedSites.
func (s Site) Recommended() bool {
	for _, r := range RecommendedSites {
		if r == s {
			return true
		}
	}
	return false
}

// SiteDetection is the output of the site-classification capability.
type SiteDetection struct {
	Site       Site    `json:"site"`
	Confidence float64 `json:"confidence"`
}

// FlowEstimate is the output of the optical-flow capability. Speed is the
// mean plunger displacement in pixels per frame; Retracting is set when the
// dominant motion points away from the injection site.
type FlowEstimate struct {
	Speed      float64 `json:"speed"`
	Retracting bool    `json:"retracting"`
	Confidence float64 `json:"confidence"`
}

// Detections is the joined result of one perception fan-out. Absent
// capabilities are nil.
type Detections struct {
	Pose *Pose
	Site *SiteDetection
	Flow *FlowEstimate
}

// Observation is the immutable structured view of one frame.
type Observation struct {
	frameID FrameID
	at      time.Time
	pose    *Pose
	site    *SiteDetection
	flow    *FlowEstimate
}

// NewObservation copies d so later changes to d do not leak into the
// observation.
func NewObservation(frameID FrameID, at time.Time, d Detections) Observation {
	obs := Observation{frameID: frameID, at: at}
	if d.Pose != nil {
		p := Pose{Confidence: d.Pose.Confidence, Keypoints: make(map[string]Keypoint, len(d.Pose.Keypoints))}
		for name, kp := range d.Pose.Keypoints {
			p.Keypoints[name] = kp
		}
		obs.pose = &p
	}
	if d.Site != nil {
		s := *d.Site
		obs.site = &s
	}
	if d.Flow != nil {
		f := *d.Flow
		obs.flow = &f
	}
	return obs
}

func (o Observation) FrameID() FrameID { return o.frameID }
func (o Observation) At() time.Time    { return o.at }

// Keypoint returns the named pose landmark, if a pose is present.
func (o Observation) Keypoint(name string) (Keypoint, bool) {
	if o.pose == nil {
		return Keypoint{}, false
	}
	kp, ok := o.pose.Keypoints[name]
	return kp, ok
}

// PoseConfidence returns the overall pose confidence, if a pose is present.
func (o Observation) PoseConfidence() (float64, bool) {
	if o.pose == nil {
		return 0, false
	}
	return o.pose.Confidence, true
}

// Pose returns a copy of the pose keypoints.
func (o Observation) Pose() (Pose, bool) {
	if o.pose == nil {
		return Pose{}, false
	}
	p := Pose{Confidence: o.pose.Confidence, Keypoints: make(map[string]Keypoint, len(o.pose.Keypoints))}
	for name, kp := range o.pose.Keypoints {
		p.Keypoints[name] = kp
	}
	return p, true
}

func (o Observation) Site() (SiteDetection, bool) {
	if o.site == nil {
		return SiteDetection{}, false
	}
	return *o.site, true
}

func (o Observation) Flow() (FlowEstimate, bool) {
	if o.flow == nil {
		return FlowEstimate{}, false
	}
	return *o.flow, true
}

// Qualifying reports whether any detection reaches minConfidence. Only
// qualifying observations count as session activity.
func (o Observation) Qualifying(minConfidence float64) bool {
	if o.pose != nil && o.pose.Confidence >= minConfidence {
		return true
	}
	if o.site != nil && o.site.Confidence >= minConfidence {
		return true
	}
	return o.flow != nil && o.flow.Confidence >= minConfidence
}
