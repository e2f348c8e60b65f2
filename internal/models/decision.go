package models

import "time"

// Action is the enforcement decision for an application-layer event
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionChallenge Action = "CHALLENGE"
	ActionBlock     Action = "BLOCK"
)

// Labels produced by the external classifier
const (
	PredictedBlock            = "BLOCK"
	PredictedJSChallenge      = "JSCHALLENGE"
	PredictedChallenge        = "CHALLENGE"
	PredictedManagedChallenge = "MANAGED_CHALLENGE"
)

// AssessmentSource tells whether an assessment came from the classifier
// or was substituted after a classifier failure
type AssessmentSource string

const (
	SourceClassifier     AssessmentSource = "EXTERNAL_CLASSIFIER"
	SourceDefaultOnError AssessmentSource = "DEFAULT_ON_ERROR"
)

// ThreatAssessment is the classifier output for one HTTP event
type ThreatAssessment struct {
	Action             string             `json:"action"`
	ConfidenceByAction map[string]float64 `json:"confidence_by_action"`
	Code               int                `json:"code"`
	Source             AssessmentSource   `json:"source"`
	Latency            time.Duration      `json:"latency_ns"`
}

// Stage is a state of the per-event decision machine
type Stage int

const (
	StageReceived Stage = iota
	StageWhitelisted
	StageRateChecked
	StageClassified
	StageResolved
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "RECEIVED"
	case StageWhitelisted:
		return "WHITELISTED"
	case StageRateChecked:
		return "RATE_CHECKED"
	case StageClassified:
		return "CLASSIFIED"
	case StageResolved:
		return "RESOLVED"
	}
	return "UNKNOWN"
}

// Reasons attached to resolutions
const (
	ReasonWhitelisted = "whitelisted"
	ReasonRateLimit   = "rate limit"
	ReasonClassifier  = "classifier"
)

// Resolution is the terminal state of one HTTP event. Assessment is nil
// for the whitelist and rate-limit shortcuts.
type Resolution struct {
	ID         string            `json:"id"`
	Event      ObservationEvent  `json:"event"`
	Action     Action            `json:"action"`
	Reason     string            `json:"reason"`
	Country    string            `json:"country,omitempty"`
	Assessment *ThreatAssessment `json:"assessment,omitempty"`
	Path       []Stage           `json:"-"`
	ResolvedAt time.Time         `json:"resolved_at"`
}

// BlockRecord is one line of the append-only block ledger
type BlockRecord struct {
	IP         string             `json:"ip"`
	Path       string             `json:"path"`
	UserAgent  string             `json:"user_agent"`
	Country    string             `json:"country"`
	Action     string             `json:"action"`
	Confidence map[string]float64 `json:"confidence"`
	Timestamp  string             `json:"timestamp"`
}

// Summary represents rolling triage counts for the dashboard
type Summary struct {
	Timestamp        time.Time              `json:"timestamp"`
	Uptime           string                 `json:"uptime"`
	TotalRequests    uint64                 `json:"total_requests"`
	Allowed          uint64                 `json:"allowed"`
	Blocked          uint64                 `json:"blocked"`
	Challenged       uint64                 `json:"challenged"`
	RateLimited      uint64                 `json:"rate_limited"`
	ClassifierErrors uint64                 `json:"classifier_errors"`
	BadGateway       uint64                 `json:"bad_gateway"`
	BlockRate        float64                `json:"block_rate"`
	Packets          uint64                 `json:"packets"`
	Attacks          map[AttackCategory]int `json:"attacks"`
	AttackPatterns   map[string]int         `json:"attack_patterns"`
	ActiveIdentities int                    `json:"active_identities"`
}

// Offender is one row of the top-offender ranking
type Offender struct {
	IP        string    `json:"ip"`
	Blocks    int       `json:"blocks"`
	LastBlock time.Time `json:"last_block"`
	LastPath  string    `json:"last_path"`
}
