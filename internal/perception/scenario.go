package perception

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/injectwatch/internal/types"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// Latency is the simulated response time per capability.
type Latency struct {
	Pose time.Duration `yaml:"pose"`
	Site time.Duration `yaml:"site"`
	Flow time.Duration `yaml:"flow"`
}

// Step is a stretch of scenario time with constant detections. Nil fields
// mean the capability sees nothing.
type Step struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`

	Angle          *float64    `yaml:"angle"`
	PoseConfidence float64     `yaml:"pose_confidence"`
	Site           *types.Site `yaml:"site"`
	SiteConfidence float64     `yaml:"site_confidence"`
	Speed          *float64    `yaml:"speed"`
	Retracting     bool        `yaml:"retracting"`
	FlowConfidence float64     `yaml:"flow_confidence"`

	Latency Latency  `yaml:"latency"`
	Fail    []string `yaml:"fail"`
}

type Scenario struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	FPS         int           `yaml:"fps"`
	Profile     types.Profile `yaml:"profile"`
	Steps       []Step        `yaml:"steps"`
}

func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.FPS <= 0 {
		sc.FPS = 30
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("parse scenario %q: no steps", sc.Name)
	}
	for i := range sc.Steps {
		st := &sc.Steps[i]
		if st.Duration <= 0 {
			return nil, fmt.Errorf("parse scenario %q: step %d has no duration", sc.Name, i)
		}
		if st.PoseConfidence == 0 {
			st.PoseConfidence = 0.9
		}
		if st.SiteConfidence == 0 {
			st.SiteConfidence = 0.9
		}
		if st.FlowConfidence == 0 {
			st.FlowConfidence = 0.9
		}
		for _, f := range st.Fail {
			switch Capability(f) {
			case CapPose, CapSite, CapFlow:
			default:
				return nil, fmt.Errorf("parse scenario %q: step %d: unknown capability %q", sc.Name, i, f)
			}
		}
	}
	return &sc, nil
}

// LoadScenario reads a YAML file, or a built-in scenario when name has no
// path separator or extension.
func LoadScenario(name string) (*Scenario, error) {
	var (
		data []byte
		err  error
	)
	if strings.ContainsRune(name, os.PathSeparator) || filepath.Ext(name) != "" {
		data, err = os.ReadFile(name)
	} else {
		data, err = builtin.ReadFile("scenarios/" + name + ".yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", name, err)
	}
	return ParseScenario(data)
}

// BuiltinScenarios lists the embedded scenario names.
func BuiltinScenarios() []string {
	entries, _ := builtin.ReadDir("scenarios")
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

func (sc *Scenario) Duration() time.Duration {
	var d time.Duration
	for _, st := range sc.Steps {
		d += st.Duration
	}
	return d
}

// Frames returns the scenario's frames, numbered from 1 and timestamped
// from start.
func (sc *Scenario) Frames(start time.Time) []types.Frame {
	interval := time.Second / time.Duration(sc.FPS)
	total := sc.Duration()
	var frames []types.Frame
	for off, id := time.Duration(0), types.FrameID(1); off < total; off, id = off+interval, id+1 {
		frames = append(frames, types.Frame{ID: id, At: start.Add(off), Width: 640, Height: 480})
	}
	return frames
}

// StepAt returns the step active at offset off, or the last step.
func (sc *Scenario) StepAt(off time.Duration) *Step {
	for i := range sc.Steps {
		if off < sc.Steps[i].Duration {
			return &sc.Steps[i]
		}
		off -= sc.Steps[i].Duration
	}
	return &sc.Steps[len(sc.Steps)-1]
}

func (st *Step) fails(c Capability) bool {
	for _, f := range st.Fail {
		if Capability(f) == c {
			return true
		}
	}
	return false
}
