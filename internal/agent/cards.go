package agent

// Agent names.
const (
	AgentDataEnrichment = "data_enrichment_agent"
	AgentTypology       = "typology_agent"
	AgentNarrative      = "narrative_agent"
	AgentAudit          = "audit_agent"
	AgentCoordinator    = "coordinator_agent"
)

const cardVersion = "1.0.0"

// Skill is one capability advertised on an agent card.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Card describes an agent and its skills.
type Card struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Methods      []string `json:"methods"`
	Skills       []Skill  `json:"skills"`
	Subordinates []Card   `json:"subordinate_agents,omitempty"`
}

var stageCards = []Card{
	{
		Name:        AgentDataEnrichment,
		Description: "Enriches raw case data with statistics and anonymization",
		Version:     cardVersion,
		Methods:     []string{MethodEnrichCase},
		Skills: []Skill{
			{ID: "parse_case", Name: "Parse Case Input", Description: "Validate and parse raw JSON into structured case model"},
			{ID: "calculate_stats", Name: "Calculate Transaction Statistics", Description: "Compute volume, averages, date ranges, counterparty counts"},
			{ID: "detect_patterns", Name: "Detect Suspicious Patterns", Description: "Identify 9 types of suspicious transaction patterns"},
		},
	},
	{
		Name:        AgentTypology,
		Description: "Classifies crime typology with confidence scoring",
		Version:     cardVersion,
		Methods:     []string{MethodClassifyTypology},
		Skills: []Skill{
			{ID: "classify_typology", Name: "Classify Crime Typology", Description: "Match patterns to known crime typologies with confidence scores"},
			{ID: "get_regulatory_context", Name: "Get Regulatory Context", Description: "Retrieve PMLA/RBI references for identified typology"},
		},
	},
	{
		Name:        AgentNarrative,
		Description: "Generates structured SAR narratives using retrieved templates and the generation backend",
		Version:     cardVersion,
		Methods:     []string{MethodGenerateNarrative},
		Skills: []Skill{
			{ID: "retrieve_templates", Name: "Retrieve SAR Templates", Description: "Find relevant templates in the similarity store"},
			{ID: "generate_narrative", Name: "Generate SAR Narrative", Description: "Generate 5-section SAR narrative"},
		},
	},
	{
		Name:        AgentAudit,
		Description: "Maintains complete audit trail for regulatory compliance",
		Version:     cardVersion,
		Methods:     []string{MethodLogStep},
		Skills: []Skill{
			{ID: "log_step", Name: "Log Pipeline Step", Description: "Record a pipeline step with data points and reasoning"},
			{ID: "get_trail", Name: "Get Audit Trail", Description: "Retrieve complete audit trail for a case"},
		},
	},
}

// Cards returns the coordinator card, with the stage agents as
// subordinates, followed by each stage agent card.
func Cards() []Card {
	coordinator := Card{
		Name:        AgentCoordinator,
		Description: "Coordinates multi-agent SAR generation pipeline",
		Version:     cardVersion,
		Methods:     []string{MethodOrchestrate},
		Skills: []Skill{
			{
				ID:          "orchestrate_sar",
				Name:        "Orchestrate SAR Generation",
				Description: "Run full multi-agent pipeline: Data Enrichment -> Typology -> Narrative -> Audit",
			},
		},
		Subordinates: append([]Card(nil), stageCards...),
	}
	return append([]Card{coordinator}, stageCards...)
}
