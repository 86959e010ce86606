package wise

import (
	"fmt"
	"net/url"
)

const (
	pathProfiles      = "/v1/profiles"
	pathStatement     = "/v1/statement.json"
	pathSubscriptions = "/v2/subscriptions"
	pathTransfers     = "/v1/transfers"
	pathBatchGroups   = "/v1/batch-groups"
)

// WebhookEventTypes are the events every subscription asks for
var WebhookEventTypes = []string{"balance-updated", "transaction-created", "transfer-state-change"}

func balanceAccountsPath(profileID string) string {
	return fmt.Sprintf("/v4/profiles/%s/balance-accounts", url.PathEscape(profileID))
}

func balancesPath(balanceAccountID string) string {
	return fmt.Sprintf("/v4/balance-accounts/%s/balances", url.PathEscape(balanceAccountID))
}

func transferPath(transferID string) string {
	return pathTransfers + "/" + url.PathEscape(transferID)
}

func batchPaymentsPath(batchID string) string {
	return fmt.Sprintf("%s/%s/payments", pathBatchGroups, url.PathEscape(batchID))
}

func batchFundPath(batchID string) string {
	return fmt.Sprintf("%s/%s/fund", pathBatchGroups, url.PathEscape(batchID))
}
