package workflow

import "github.com/leadroute/leadroute/pkg/models"

// PartnerWorkflowName is the name given to the workflow created alongside a partner.
func PartnerWorkflowName(partner *models.PartnerAPI) string {
	return "Partner: " + partner.Name
}

// PartnerWorkflow builds trigger -> filter_service -> http_action -> end for a partner.
// The filter uses the partner's service types; the result is inactive until an admin enables it.
func PartnerWorkflow(partner *models.PartnerAPI) *models.Workflow {
	services := make([]any, 0, len(partner.ServiceTypes))
	for _, service := range partner.ServiceTypes {
		services = append(services, service)
	}

	partnerID := partner.ID

	return &models.Workflow{
		Name:         PartnerWorkflowName(partner),
		IsActive:     false,
		PartnerAPIID: &partnerID,
		Nodes: []*models.WorkflowNode{
			{ID: "trigger", Type: models.NodeKindTrigger, Name: "New submission", Position: models.Position{X: 0, Y: 0}},
			{
				ID:       "filter",
				Type:     models.NodeKindFilterService,
				Name:     "Service filter",
				Position: models.Position{X: 250, Y: 0},
				Config:   map[string]any{"services": services},
			},
			{
				ID:       "send",
				Type:     models.NodeKindHTTPAction,
				Name:     partner.Name,
				Position: models.Position{X: 500, Y: 0},
				Config:   map[string]any{"partner_api_id": partner.ID},
			},
			{ID: "end", Type: models.NodeKindEnd, Name: "Done", Position: models.Position{X: 750, Y: 0}},
		},
		Edges: []*models.WorkflowEdge{
			{ID: "trigger-filter", Source: "trigger", Target: "filter"},
			{ID: "filter-send", Source: "filter", Target: "send", Status: models.EdgeStatusSuccess},
			{ID: "send-end", Source: "send", Target: "end"},
		},
	}
}
