package jobs

const TaskProvisionKey = "billing:provision_key"

type ProvisionKeyPayload struct {
	Email          string `json:"email"`
	SubscriptionID string `json:"subscription_id"`
	PriceID        string `json:"price_id,omitempty"`
}
