package types

import "time"

// ModelID identifies a candidate model across the whole campaign.
type ModelID int

// BranchID identifies one generation of models. Ids are assigned by the
// orchestrator and are unique across every tree in a campaign.
type BranchID int

// NoBranch marks an absent branch reference (e.g. the first branch of a tree
// has no spawning branch).
const NoBranch BranchID = -1

// Role identifiers
type Role string

const (
	RoleUser     Role = "User"
	RoleTree     Role = "T"
	RoleBranch   Role = "B"
	RoleCampaign Role = "C"
	RoleComparer Role = "X"
	RoleArchive  Role = "S"
	RoleAuditor  Role = "A"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgBranchCreated   MessageType = "BranchCreated"
	MsgComparisonsDone MessageType = "ComparisonsDone"
	MsgBranchRound     MessageType = "BranchRound"
	MsgChampionSet     MessageType = "ChampionSet"
	MsgStageAdvanced   MessageType = "StageAdvanced"
	MsgTreeComplete    MessageType = "TreeComplete"
	MsgGlobalChampion  MessageType = "GlobalChampion"
)

// Message is the envelope for everything published on the bus
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	From      Role        `json:"from"`
	To        Role        `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// Stage names the phase of a tree's stage machine.
type Stage string

const (
	StageInitial Stage = "initial"
	StageSpawn   Stage = "spawn"
	StagePrune   Stage = "prune"
)

// BranchCreated is published by the tree when a generation is placed on it
type BranchCreated struct {
	RunID          string             `json:"run_id"`
	Tree           string             `json:"tree"`
	BranchID       BranchID           `json:"branch_id"`
	SpawningBranch BranchID           `json:"spawning_branch"`
	Models         map[ModelID]string `json:"models"`
	NumPairs       int                `json:"num_pairs"`
	Unlearned      []ModelID          `json:"unlearned"`
}

// ComparisonsDone is published by the campaign once every requested pair of a
// round has a Bayes factor.
type ComparisonsDone struct {
	RunID    string   `json:"run_id"`
	Tree     string   `json:"tree"`
	BranchID BranchID `json:"branch_id"`
	Round    int      `json:"round"`
	Pairs    int      `json:"pairs"`
	Computed int      `json:"computed"` // pairs actually run; the rest were reused
}

// BranchRound is published by a branch after each UpdateBranch call
type BranchRound struct {
	RunID          string          `json:"run_id"`
	Tree           string          `json:"tree"`
	BranchID       BranchID        `json:"branch_id"`
	Round          int             `json:"round"`
	Points         map[ModelID]int `json:"points"`
	ChampionSet    bool            `json:"champion_set"`
	JointChampions []ModelID       `json:"joint_champions,omitempty"`
	Forced         bool            `json:"forced"`
	Policy         string          `json:"policy"`
}

// ChampionRecord describes a finalised branch champion
type ChampionRecord struct {
	RunID          string              `json:"run_id"`
	Tree           string              `json:"tree"`
	BranchID       BranchID            `json:"branch_id"`
	ParentBranch   BranchID            `json:"parent_branch"`
	ChampionID     ModelID             `json:"champion_id"`
	ChampionName   string              `json:"champion_name"`
	Rounds         int                 `json:"rounds"`
	Forced         bool                `json:"forced"`
	Ranked         []ModelID           `json:"ranked"`
	Models         map[ModelID]string  `json:"models"`
	BayesPoints    map[ModelID]int     `json:"bayes_points"`
	LogLikelihoods map[ModelID]float64 `json:"log_likelihoods"`
	SpawnStep      int                 `json:"spawn_step"`
	PruneStep      int                 `json:"prune_step"`
	RecordedAt     string              `json:"recorded_at"`
}

// StageAdvance is published every time NextLayer moves the stage machine
type StageAdvance struct {
	RunID     string `json:"run_id"`
	Tree      string `json:"tree"`
	Stage     Stage  `json:"stage"`
	SpawnStep int    `json:"spawn_step"`
	PruneStep int    `json:"prune_step"`
	NumModels int    `json:"num_models"`
	AllPairs  bool   `json:"all_pairs"`
	NumPairs  int    `json:"num_pairs"`
}

// TreeSummary is published once a tree is complete and finalised
type TreeSummary struct {
	RunID      string     `json:"run_id"`
	Tree       string     `json:"tree"`
	Branches   []BranchID `json:"branches"`
	SpawnSteps int        `json:"spawn_steps"`
	PruneSteps int        `json:"prune_steps"`
	Nominated  []string   `json:"nominated"`
	ElapsedMs  int64      `json:"elapsed_ms"`
}

// GlobalChampion carries the cross-strategy winner to the user
type GlobalChampion struct {
	RunID         string         `json:"run_id"`
	Name          string         `json:"name"`
	ModelID       ModelID        `json:"model_id"`
	Contenders    []string       `json:"contenders"`
	Wins          map[string]int `json:"wins"`
	LogLikelihood float64        `json:"log_likelihood"`
}

// AuditEvent is written to the audit log by the auditor
type AuditEvent struct {
	EventID     string  `json:"event_id"`
	Timestamp   string  `json:"timestamp"`
	FromRole    Role    `json:"from_role"`
	ToRole      Role    `json:"to_role"`
	MessageType string  `json:"message_type"`
	Tree        string  `json:"tree,omitempty"`
	Anomaly     string  `json:"anomaly"` // "boundary_violation" | "forced_resolution" | "stage_skew" | "none"
	Detail      *string `json:"detail"`
}

// AuditReport is a summary produced by the auditor for the operator
type AuditReport struct {
	ReportID           string         `json:"report_id"`
	Period             AuditPeriod    `json:"period"`
	TreesObserved      int            `json:"trees_observed"`
	BranchesObserved   int            `json:"branches_observed"`
	ForcedResolutions  int            `json:"forced_resolutions"`
	Ties               int            `json:"ties"`
	BoundaryViolations []string       `json:"boundary_violations"`
	Anomalies          []string       `json:"anomalies"`
	RoundsPerBranch    map[string]int `json:"rounds_per_branch"`
}

type AuditPeriod struct {
	From string `json:"from"`
	To   string `json:"to"`
}
