package ai

// Personality determines the shape of an opponent's accuracy curve.
const (
	PersonalityCompetitive   = "competitive"
	PersonalityCollaborative = "collaborative"
	PersonalityAnalytical    = "analytical"
)

// Response speed classes.
const (
	SpeedFast   = "fast"
	SpeedMedium = "medium"
	SpeedSlow   = "slow"
)

// Opponent is one entry of the static AI roster.
type Opponent struct {
	ID            string  `json:"id"`
	DisplayName   string  `json:"displayName"`
	BaseSkill     float64 `json:"baseSkill"`
	Personality   string  `json:"personality"`
	ResponseClass string  `json:"responseClass"`
}

// Roster is the static table of simulated opponents. Base skills span
// 5.5 to 8.0 so the skill window has candidates across the upper half of
// the 1-10 scale, where most participants land after a few rounds.
var Roster = []Opponent{
	{ID: "ai-opponent-01", DisplayName: "Jordan Blake", BaseSkill: 5.5, Personality: PersonalityCollaborative, ResponseClass: SpeedMedium},
	{ID: "ai-opponent-02", DisplayName: "Sam Okafor", BaseSkill: 5.9, Personality: PersonalityCompetitive, ResponseClass: SpeedFast},
	{ID: "ai-opponent-03", DisplayName: "Riley Chen", BaseSkill: 6.3, Personality: PersonalityAnalytical, ResponseClass: SpeedSlow},
	{ID: "ai-opponent-04", DisplayName: "Casey Morgan", BaseSkill: 6.6, Personality: PersonalityCollaborative, ResponseClass: SpeedFast},
	{ID: "ai-opponent-05", DisplayName: "Alex Petrov", BaseSkill: 7.0, Personality: PersonalityCompetitive, ResponseClass: SpeedMedium},
	{ID: "ai-opponent-06", DisplayName: "Devon Akintola", BaseSkill: 7.3, Personality: PersonalityAnalytical, ResponseClass: SpeedMedium},
	{ID: "ai-opponent-07", DisplayName: "Morgan Lindqvist", BaseSkill: 7.7, Personality: PersonalityCompetitive, ResponseClass: SpeedFast},
	{ID: "ai-opponent-08", DisplayName: "Taylor Nguyen", BaseSkill: 8.0, Personality: PersonalityAnalytical, ResponseClass: SpeedSlow},
}
