package farmagent

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Point is an absolute screen coordinate.
type Point struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// SearchAction names one step of a search sequence.
type SearchAction string

const (
	SearchTap   SearchAction = "tap"
	SearchText  SearchAction = "text"
	SearchEnter SearchAction = "enter"
	SearchWait  SearchAction = "wait"
)

// Named waits inside a search sequence; resolved against Timings.
const (
	WaitStep    = "step"
	WaitType    = "type"
	WaitResults = "results"
)

// SearchStep is one gesture of an app specific search sequence.
type SearchStep struct {
	Action SearchAction `yaml:"action"`
	Point  *Point       `yaml:"point,omitempty"`
	// Wait is a named wait (step, type, results) used when Action is wait.
	Wait string `yaml:"wait,omitempty"`
}

// AppProfile 描述单个应用的启动方式与控件坐标。
type AppProfile struct {
	Name        string       `yaml:"name"`
	Launch      string       `yaml:"launch"`
	SearchBox   *Point       `yaml:"search_box,omitempty"`
	Like        *Point       `yaml:"like,omitempty"`
	Comment     *Point       `yaml:"comment,omitempty"`
	CommentSend *Point       `yaml:"comment_send,omitempty"`
	Follow      *Point       `yaml:"follow,omitempty"`
	Search      []SearchStep `yaml:"search,omitempty"`
}

var (
	defaultSearchBox   = Point{X: 500, Y: 100}
	defaultCommentSend = Point{X: 950, Y: 1200}
)

// SearchBoxPoint returns the configured search box, or the generic top-center spot.
func (p AppProfile) SearchBoxPoint() Point {
	if p.SearchBox != nil {
		return *p.SearchBox
	}
	return defaultSearchBox
}

func (p AppProfile) LikeButton() (Point, bool) { return optionalPoint(p.Like) }
func (p AppProfile) CommentButton() (Point, bool) { return optionalPoint(p.Comment) }
func (p AppProfile) FollowButton() (Point, bool) { return optionalPoint(p.Follow) }

func (p AppProfile) CommentSendButton() Point {
	if p.CommentSend != nil {
		return *p.CommentSend
	}
	return defaultCommentSend
}

// SearchSequence returns the app's own search steps, or the generic one when
// none is configured.
func (p AppProfile) SearchSequence() []SearchStep {
	if len(p.Search) > 0 {
		return p.Search
	}
	box := p.SearchBoxPoint()
	return []SearchStep{
		{Action: SearchTap, Point: &box},
		{Action: SearchWait, Wait: WaitStep},
		{Action: SearchText},
		{Action: SearchWait, Wait: WaitType},
		{Action: SearchEnter},
		{Action: SearchWait, Wait: WaitResults},
	}
}

func optionalPoint(p *Point) (Point, bool) {
	if p == nil {
		return Point{}, false
	}
	return *p, true
}

func pt(x, y int) *Point { return &Point{X: x, Y: y} }

// DefaultProfiles returns the built-in application registry keyed by
// lowercase app name.
func DefaultProfiles() map[string]AppProfile {
	return map[string]AppProfile{
		"youtube": {
			Name:      "youtube",
			Launch:    "com.google.android.youtube/com.google.android.youtube.HomeActivity",
			SearchBox: pt(300, 200),
			Like:      pt(500, 1200),
			Comment:   pt(400, 1300),
			Follow:    pt(600, 1250),
			Search: []SearchStep{
				{Action: SearchTap, Point: pt(880, 120)},
				{Action: SearchWait, Wait: WaitStep},
				{Action: SearchText},
				{Action: SearchWait, Wait: WaitStep},
				{Action: SearchEnter},
				{Action: SearchWait, Wait: WaitResults},
				{Action: SearchTap, Point: pt(500, 300)},
			},
		},
		"instagram": {
			Name:    "instagram",
			Launch:  "com.instagram.android/com.instagram.mainactivity.MainActivity",
			Like:    pt(500, 1200),
			Comment: pt(400, 1300),
			Follow:  pt(600, 400),
			Search: []SearchStep{
				{Action: SearchTap, Point: pt(500, 120)},
				{Action: SearchWait, Wait: WaitStep},
				{Action: SearchText},
				{Action: SearchWait, Wait: WaitType},
				{Action: SearchTap, Point: pt(500, 300)},
			},
		},
		"tiktok": {
			Name:    "tiktok",
			Launch:  "com.zhiliaoapp.musically/com.ss.android.ugc.aweme.main.MainActivity",
			Like:    pt(700, 650),
			Comment: pt(700, 750),
			Follow:  pt(700, 550),
			Search: []SearchStep{
				{Action: SearchTap, Point: pt(500, 1200)},
				{Action: SearchWait, Wait: WaitStep},
				{Action: SearchTap, Point: pt(500, 100)},
				{Action: SearchWait, Wait: WaitStep},
				{Action: SearchText},
				{Action: SearchWait, Wait: WaitStep},
				{Action: SearchEnter},
				{Action: SearchWait, Wait: WaitResults},
				{Action: SearchTap, Point: pt(500, 300)},
			},
		},
		"snapchat": {
			Name:   "snapchat",
			Launch: "com.snapchat.android/com.snapchat.android.LandingPageActivity",
			Like:   pt(500, 1200),
			Follow: pt(600, 400),
		},
	}
}

// NormalizeProfiles lowercases keys, fills missing names and rejects profiles
// that cannot be launched.
func NormalizeProfiles(in map[string]AppProfile) (map[string]AppProfile, error) {
	out := make(map[string]AppProfile, len(in))
	for key, profile := range in {
		name := strings.ToLower(strings.TrimSpace(key))
		if name == "" {
			return nil, errors.New("profile with empty name")
		}
		if strings.TrimSpace(profile.Launch) == "" {
			return nil, errors.Errorf("profile %s: launch is required", name)
		}
		for i, step := range profile.Search {
			switch step.Action {
			case SearchTap:
				if step.Point == nil {
					return nil, errors.Errorf("profile %s: search step %d: tap needs a point", name, i)
				}
			case SearchText, SearchEnter:
			case SearchWait:
				switch step.Wait {
				case "", WaitStep, WaitType, WaitResults:
				default:
					return nil, errors.Errorf("profile %s: search step %d: unknown wait %q", name, i, step.Wait)
				}
			default:
				return nil, errors.Errorf("profile %s: search step %d: unknown action %q", name, i, step.Action)
			}
		}
		profile.Name = name
		out[name] = profile
	}
	return out, nil
}

// ActionConfig is the hot-reloadable part of the executor configuration.
type ActionConfig struct {
	Profiles           map[string]AppProfile `yaml:"profiles"`
	Patterns           []InteractionPattern  `yaml:"patterns"`
	CommentTemplates   []string              `yaml:"comment_templates"`
	ViewTimeMin        time.Duration         `yaml:"view_time_min"`
	ViewTimeMax        time.Duration         `yaml:"view_time_max"`
	LikeProbability    float64               `yaml:"like_probability"`
	CommentProbability float64               `yaml:"comment_probability"`
	FollowProbability  float64               `yaml:"follow_probability"`
}

// DefaultActionConfig returns the built-in action settings.
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		Profiles:           DefaultProfiles(),
		Patterns:           DefaultInteractionPatterns(),
		CommentTemplates:   DefaultCommentTemplates(),
		ViewTimeMin:        30 * time.Second,
		ViewTimeMax:        120 * time.Second,
		LikeProbability:    0.5,
		CommentProbability: 0.2,
		FollowProbability:  0.3,
	}
}

// DefaultCommentTemplates returns the built-in comment texts.
func DefaultCommentTemplates() []string {
	return []string{
		"¡Excelente contenido!",
		"Me encanta esto",
		"Muy interesante",
		"Gracias por compartir",
		"¡Increíble!",
		"Sigue así",
		"Buen trabajo",
		"Esto es genial",
	}
}

// Validate fills zero values from the defaults and checks ranges.
func (c ActionConfig) Validate() (ActionConfig, error) {
	def := DefaultActionConfig()
	if len(c.Profiles) == 0 {
		c.Profiles = def.Profiles
	}
	profiles, err := NormalizeProfiles(c.Profiles)
	if err != nil {
		return ActionConfig{}, err
	}
	c.Profiles = profiles
	if c.Patterns == nil {
		c.Patterns = def.Patterns
	}
	for i, pattern := range c.Patterns {
		if err := pattern.validate(); err != nil {
			return ActionConfig{}, errors.Wrapf(err, "pattern %d", i)
		}
	}
	if len(c.CommentTemplates) == 0 {
		c.CommentTemplates = def.CommentTemplates
	}
	if c.ViewTimeMin < 0 || c.ViewTimeMax < 0 {
		return ActionConfig{}, errors.New("view time must not be negative")
	}
	if c.ViewTimeMax < c.ViewTimeMin {
		return ActionConfig{}, errors.Errorf("view time max %s below min %s", c.ViewTimeMax, c.ViewTimeMin)
	}
	for name, prob := range map[string]float64{
		"like":    c.LikeProbability,
		"comment": c.CommentProbability,
		"follow":  c.FollowProbability,
	} {
		if prob < 0 || prob > 1 {
			return ActionConfig{}, errors.Errorf("%s probability %v out of [0,1]", name, prob)
		}
	}
	return c, nil
}
